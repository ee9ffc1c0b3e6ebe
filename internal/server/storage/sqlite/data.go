package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/storage"
)

// dbtx покрывает *sql.DB и *sql.Tx, чтобы одни и те же запросы
// работали и вне, и внутри транзакции.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dataTx implements storage.DataTx over a single SQLite transaction
type dataTx struct {
	tx *sql.Tx
}

func (t *dataTx) GetRecord(ctx context.Context, entityType, recordID string) (*models.Record, error) {
	return getRecord(ctx, t.tx, entityType, recordID)
}

func (t *dataTx) ApplyChange(ctx context.Context, change *models.DataChange) error {
	return applyChange(ctx, t.tx, change)
}

func (t *dataTx) SaveConflict(ctx context.Context, conflict *models.ConflictRecord) error {
	return saveConflict(ctx, t.tx, conflict)
}

func (t *dataTx) MarkResolved(ctx context.Context, conflict *models.ConflictRecord) error {
	return markResolved(ctx, t.tx, conflict)
}

func (t *dataTx) Commit() error {
	return t.tx.Commit()
}

func (t *dataTx) Rollback() error {
	return t.tx.Rollback()
}

// GetRecord retrieves the current state of a record (including tombstones)
// Returns ErrRecordNotFound if the record has never existed
func (s *Storage) GetRecord(ctx context.Context, entityType, recordID string) (*models.Record, error) {
	return getRecord(ctx, s.db, entityType, recordID)
}

// ChangesSince retrieves changelog entries of a user with timestamp strictly
// after the cutoff, ordered by timestamp ascending
func (s *Storage) ChangesSince(ctx context.Context, userID string, since time.Time, entityTypes []string) ([]*models.DataChange, error) {
	query := `
		SELECT id, user_id, device_id, entity_type, record_id,
		       operation, version, checksum, payload, timestamp
		FROM sync_changelog
		WHERE user_id = ? AND timestamp > ?
	`
	args := []any{userID, since.UnixNano()}

	if len(entityTypes) > 0 {
		placeholders := strings.Repeat("?,", len(entityTypes))
		query += " AND entity_type IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, et := range entityTypes {
			args = append(args, et)
		}
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changelog: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var changes []*models.DataChange
	for rows.Next() {
		change := &models.DataChange{}
		var payloadJSON string
		var ts int64

		err := rows.Scan(
			&change.ID,
			&change.UserID,
			&change.DeviceID,
			&change.EntityType,
			&change.RecordID,
			&change.Operation,
			&change.Version,
			&change.Checksum,
			&payloadJSON,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan changelog row: %w", err)
		}

		change.Timestamp = time.Unix(0, ts)
		if change.Payload, err = unmarshalPayload(payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to decode changelog payload: %w", err)
		}

		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return changes, nil
}

// UserRecords retrieves the current non-deleted records of a user,
// ordered by entity type then record id
func (s *Storage) UserRecords(ctx context.Context, userID string, entityTypes []string) ([]*models.Record, error) {
	query := `
		SELECT entity_type, record_id, user_id, payload, version,
		       deleted, created_at, updated_at
		FROM records
		WHERE user_id = ? AND deleted = 0
	`
	args := []any{userID}

	if len(entityTypes) > 0 {
		placeholders := strings.Repeat("?,", len(entityTypes))
		query += " AND entity_type IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, et := range entityTypes {
			args = append(args, et)
		}
	}
	query += " ORDER BY entity_type, record_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*models.Record
	for rows.Next() {
		record := &models.Record{}
		var payloadJSON string
		var deleted int
		var createdAt, updatedAt int64

		err := rows.Scan(
			&record.EntityType,
			&record.RecordID,
			&record.UserID,
			&payloadJSON,
			&record.Version,
			&deleted,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}

		record.Deleted = deleted != 0
		record.CreatedAt = time.Unix(0, createdAt)
		record.UpdatedAt = time.Unix(0, updatedAt)
		if record.Payload, err = unmarshalPayload(payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to decode record payload: %w", err)
		}

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

func getRecord(ctx context.Context, q dbtx, entityType, recordID string) (*models.Record, error) {
	query := `
		SELECT entity_type, record_id, user_id, payload, version,
		       deleted, created_at, updated_at
		FROM records
		WHERE entity_type = ? AND record_id = ?
	`

	record := &models.Record{}
	var payloadJSON string
	var deleted int
	var createdAt, updatedAt int64

	err := q.QueryRowContext(ctx, query, entityType, recordID).Scan(
		&record.EntityType,
		&record.RecordID,
		&record.UserID,
		&payloadJSON,
		&record.Version,
		&deleted,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	record.Deleted = deleted != 0
	record.CreatedAt = time.Unix(0, createdAt)
	record.UpdatedAt = time.Unix(0, updatedAt)
	if record.Payload, err = unmarshalPayload(payloadJSON); err != nil {
		return nil, fmt.Errorf("failed to decode record payload: %w", err)
	}

	return record, nil
}

// applyChange пишет состояние записи и строку changelog одним шагом;
// delete оставляет tombstone, чтобы удаление дошло до остальных клиентов.
func applyChange(ctx context.Context, q dbtx, change *models.DataChange) error {
	payloadJSON, err := marshalPayload(change.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode change payload: %w", err)
	}

	now := change.Timestamp.UnixNano()
	deleted := 0
	if change.Operation == models.OperationDelete {
		deleted = 1
	}

	upsert := `
		INSERT INTO records (
			entity_type, record_id, user_id, payload, version,
			deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, record_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, upsert,
		change.EntityType,
		change.RecordID,
		change.UserID,
		payloadJSON,
		change.Version,
		deleted,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	logInsert := `
		INSERT INTO sync_changelog (
			id, user_id, device_id, entity_type, record_id,
			operation, version, checksum, payload, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, logInsert,
		change.ID,
		change.UserID,
		change.DeviceID,
		change.EntityType,
		change.RecordID,
		string(change.Operation),
		change.Version,
		change.Checksum,
		payloadJSON,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to append changelog: %w", err)
	}

	return nil
}

func saveConflict(ctx context.Context, q dbtx, conflict *models.ConflictRecord) error {
	clientJSON, err := marshalPayload(conflict.ClientPayload)
	if err != nil {
		return fmt.Errorf("failed to encode client payload: %w", err)
	}
	serverJSON, err := marshalPayload(conflict.ServerPayload)
	if err != nil {
		return fmt.Errorf("failed to encode server payload: %w", err)
	}

	query := `
		INSERT INTO sync_conflicts (
			conflict_id, session_id, entity_type, record_id,
			client_version, server_version, client_payload, server_payload,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		conflict.ConflictID,
		conflict.SessionID,
		conflict.EntityType,
		conflict.RecordID,
		conflict.ClientVersion,
		conflict.ServerVersion,
		clientJSON,
		serverJSON,
		conflict.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}

	return nil
}

func markResolved(ctx context.Context, q dbtx, conflict *models.ConflictRecord) error {
	resolvedJSON, err := marshalNullablePayload(conflict.ResolvedPayload)
	if err != nil {
		return fmt.Errorf("failed to encode resolved payload: %w", err)
	}

	var resolvedAt any
	if conflict.ResolvedAt != nil {
		resolvedAt = conflict.ResolvedAt.UnixNano()
	}

	query := `
		UPDATE sync_conflicts
		SET resolution = ?, resolved_payload = ?, resolved_at = ?
		WHERE conflict_id = ?
	`
	result, err := q.ExecContext(ctx, query,
		string(conflict.Resolution),
		resolvedJSON,
		resolvedAt,
		conflict.ConflictID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrConflictNotFound
	}

	return nil
}

// Helper functions for payload JSON conversion
func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalNullablePayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalPayload(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
