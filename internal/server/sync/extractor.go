package sync

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/hexsync/internal/checksum"
	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/storage"
)

// Extractor читает инкрементальные изменения пользователя из changelog.
// Changelog — единственный источник порядка: изменения отдаются строго
// по возрастанию серверного времени применения.
type Extractor struct {
	data storage.DataStore
}

// NewExtractor creates an incremental change extractor
func NewExtractor(data storage.DataStore) *Extractor {
	return &Extractor{data: data}
}

// ChangesSince returns the user's changes applied strictly after the cutoff.
// A nil cutoff means the client has never synced: instead of replaying the
// whole changelog, the current snapshot of live records is emitted as
// insert-equivalent changes. entityTypes filters the result; empty slice
// means all known types.
func (e *Extractor) ChangesSince(ctx context.Context, userID string, since *time.Time, entityTypes []string) ([]*models.DataChange, error) {
	known := models.EntityTypes()
	for _, et := range entityTypes {
		if !slices.Contains(known, et) {
			return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidChange, et)
		}
	}

	if since == nil {
		return e.snapshot(ctx, userID, entityTypes)
	}

	changes, err := e.data.ChangesSince(ctx, userID, *since, entityTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to extract changes: %w", err)
	}

	return changes, nil
}

// snapshot отдает текущее состояние живых записей как insert-изменения;
// tombstones не включаются: новому клиенту нечего удалять.
func (e *Extractor) snapshot(ctx context.Context, userID string, entityTypes []string) ([]*models.DataChange, error) {
	records, err := e.data.UserRecords(ctx, userID, entityTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to extract record snapshot: %w", err)
	}

	changes := make([]*models.DataChange, 0, len(records))
	for _, record := range records {
		sum, err := checksum.Sum(record.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum record %s/%s: %w", record.EntityType, record.RecordID, err)
		}

		changes = append(changes, &models.DataChange{
			ID:         uuid.New().String(),
			EntityType: record.EntityType,
			RecordID:   record.RecordID,
			Operation:  models.OperationInsert,
			Payload:    record.Payload,
			Version:    record.Version,
			Checksum:   sum,
			Timestamp:  record.UpdatedAt,
			UserID:     record.UserID,
		})
	}

	return changes, nil
}
