package storage

import (
	"context"
	"time"

	"github.com/iudanet/hexsync/internal/models"
)

// SessionStore defines interface for sync session persistence
type SessionStore interface {
	// CreateSession persists a new sync session
	CreateSession(ctx context.Context, session *models.SyncSession) error

	// GetSession retrieves a session by ID together with its conflict IDs
	// Returns ErrSessionNotFound if session doesn't exist
	GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error)

	// UpdateSession overwrites mutable session fields (status, progress,
	// last sync time). Returns ErrSessionNotFound if session doesn't exist
	UpdateSession(ctx context.Context, session *models.SyncSession) error

	// DeleteExpired removes sessions started before the given cutoff
	// Returns the number of deleted sessions
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
