package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/storage"
)

const conflictColumns = `
	conflict_id, session_id, entity_type, record_id,
	client_version, server_version, client_payload, server_payload,
	resolved_payload, resolution, created_at, resolved_at
`

// GetConflict retrieves a conflict by ID
// Returns ErrConflictNotFound if conflict doesn't exist
func (s *Storage) GetConflict(ctx context.Context, conflictID string) (*models.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE conflict_id = ?`,
		conflictID,
	)

	conflict, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	return conflict, nil
}

// ListSessionConflicts retrieves all conflicts of a session ordered by creation
func (s *Storage) ListSessionConflicts(ctx context.Context, sessionID string) ([]*models.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session conflicts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return conflicts, nil
}

// CountUnresolved returns the number of unresolved conflicts of a session
func (s *Storage) CountUnresolved(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE session_id = ? AND resolution IS NULL`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved conflicts: %w", err)
	}

	return count, nil
}

// PurgeResolvedBefore removes resolved conflicts older than the cutoff
func (s *Storage) PurgeResolvedBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE resolution IS NOT NULL AND resolved_at < ?`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge resolved conflicts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// scanner покрывает *sql.Row и *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanConflict(row scanner) (*models.ConflictRecord, error) {
	conflict := &models.ConflictRecord{}
	var clientJSON, serverJSON string
	var resolvedJSON, resolution sql.NullString
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(
		&conflict.ConflictID,
		&conflict.SessionID,
		&conflict.EntityType,
		&conflict.RecordID,
		&conflict.ClientVersion,
		&conflict.ServerVersion,
		&clientJSON,
		&serverJSON,
		&resolvedJSON,
		&resolution,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	conflict.Timestamp = time.Unix(0, createdAt)
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64)
		conflict.ResolvedAt = &t
	}
	if resolution.Valid {
		conflict.Resolution = models.ConflictResolution(resolution.String)
	}

	if conflict.ClientPayload, err = unmarshalPayload(clientJSON); err != nil {
		return nil, fmt.Errorf("failed to decode client payload: %w", err)
	}
	if conflict.ServerPayload, err = unmarshalPayload(serverJSON); err != nil {
		return nil, fmt.Errorf("failed to decode server payload: %w", err)
	}
	if resolvedJSON.Valid {
		if conflict.ResolvedPayload, err = unmarshalPayload(resolvedJSON.String); err != nil {
			return nil, fmt.Errorf("failed to decode resolved payload: %w", err)
		}
	}

	return conflict, nil
}
