package storage

import (
	"context"
	"time"

	"github.com/iudanet/hexsync/internal/models"
)

// ConflictStore defines interface for conflict record persistence.
// Conflicts are written inside data transactions (DataTx.SaveConflict),
// this interface covers the read side and housekeeping.
type ConflictStore interface {
	// GetConflict retrieves a conflict by ID
	// Returns ErrConflictNotFound if conflict doesn't exist
	GetConflict(ctx context.Context, conflictID string) (*models.ConflictRecord, error)

	// ListSessionConflicts retrieves all conflicts of a session
	// Returns empty slice if no conflicts found
	ListSessionConflicts(ctx context.Context, sessionID string) ([]*models.ConflictRecord, error)

	// CountUnresolved returns the number of unresolved conflicts of a session
	CountUnresolved(ctx context.Context, sessionID string) (int, error)

	// PurgeResolvedBefore removes resolved conflicts older than the cutoff
	// Returns the number of deleted conflicts
	PurgeResolvedBefore(ctx context.Context, before time.Time) (int, error)
}
