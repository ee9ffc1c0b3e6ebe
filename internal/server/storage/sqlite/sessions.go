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

// CreateSession persists a new sync session
func (s *Storage) CreateSession(ctx context.Context, session *models.SyncSession) error {
	query := `
		INSERT INTO sync_sessions (
			session_id, client_id, user_id, data_version, status,
			start_time, last_sync_time, device_id, platform, app_version,
			total_changes, processed_changes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var lastSync any
	if session.LastSyncTime != nil {
		lastSync = session.LastSyncTime.UnixNano()
	}

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID,
		session.ClientID,
		session.UserID,
		session.DataVersion,
		string(session.Status),
		session.StartTime.UnixNano(),
		lastSync,
		session.DeviceInfo.DeviceID,
		session.DeviceInfo.Platform,
		session.DeviceInfo.AppVersion,
		session.TotalChanges,
		session.ProcessedChanges,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID together with its conflict IDs
// Returns ErrSessionNotFound if session doesn't exist
func (s *Storage) GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error) {
	query := `
		SELECT session_id, client_id, user_id, data_version, status,
		       start_time, last_sync_time, device_id, platform, app_version,
		       total_changes, processed_changes
		FROM sync_sessions
		WHERE session_id = ?
	`

	session := &models.SyncSession{Conflicts: []string{}}
	var startTime int64
	var lastSync sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.SessionID,
		&session.ClientID,
		&session.UserID,
		&session.DataVersion,
		&session.Status,
		&startTime,
		&lastSync,
		&session.DeviceInfo.DeviceID,
		&session.DeviceInfo.Platform,
		&session.DeviceInfo.AppVersion,
		&session.TotalChanges,
		&session.ProcessedChanges,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.StartTime = time.Unix(0, startTime)
	if lastSync.Valid {
		t := time.Unix(0, lastSync.Int64)
		session.LastSyncTime = &t
	}

	// Список конфликтов сессии живет в sync_conflicts
	if session.Conflicts, err = s.sessionConflictIDs(ctx, sessionID); err != nil {
		return nil, err
	}

	return session, nil
}

// UpdateSession overwrites mutable session fields
// Returns ErrSessionNotFound if session doesn't exist
func (s *Storage) UpdateSession(ctx context.Context, session *models.SyncSession) error {
	query := `
		UPDATE sync_sessions
		SET status = ?, last_sync_time = ?,
		    total_changes = ?, processed_changes = ?
		WHERE session_id = ?
	`

	var lastSync any
	if session.LastSyncTime != nil {
		lastSync = session.LastSyncTime.UnixNano()
	}

	result, err := s.db.ExecContext(ctx, query,
		string(session.Status),
		lastSync,
		session.TotalChanges,
		session.ProcessedChanges,
		session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrSessionNotFound
	}

	return nil
}

// DeleteExpired removes sessions started before the given cutoff
func (s *Storage) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_sessions WHERE start_time < ?`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// sessionConflictIDs возвращает идентификаторы конфликтов сессии
// в порядке создания; никогда не nil.
func (s *Storage) sessionConflictIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conflict_id FROM sync_conflicts WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session conflicts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conflict id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return ids, nil
}
