package storage

import (
	"context"
	"time"

	"github.com/iudanet/hexsync/internal/models"
)

// DataStore defines interface for synchronized record persistence
// together with the changelog that orders all mutations.
type DataStore interface {
	// Begin opens a write transaction. Records, changelog rows and
	// conflicts of one change batch are written in a single transaction
	Begin(ctx context.Context) (DataTx, error)

	// GetRecord retrieves the current state of a record (including
	// soft-deleted tombstones). Returns ErrRecordNotFound if the record
	// has never existed
	GetRecord(ctx context.Context, entityType, recordID string) (*models.Record, error)

	// ChangesSince retrieves changelog entries of a user with timestamp
	// strictly after the cutoff, ordered by timestamp ascending.
	// entityTypes filters by entity type; empty slice means all types
	ChangesSince(ctx context.Context, userID string, since time.Time, entityTypes []string) ([]*models.DataChange, error)

	// UserRecords retrieves the current non-deleted records of a user,
	// ordered by entity type then record id. Used for the first full sync
	// of a client, where the whole snapshot is sent instead of history.
	// entityTypes filters by entity type; empty slice means all types
	UserRecords(ctx context.Context, userID string, entityTypes []string) ([]*models.Record, error)
}

// DataTx is a write transaction over records, changelog and conflicts.
// Either Commit or Rollback must be called exactly once.
type DataTx interface {
	// GetRecord reads a record within the transaction
	GetRecord(ctx context.Context, entityType, recordID string) (*models.Record, error)

	// ApplyChange upserts the record state and appends the changelog row
	// in one step. Delete operations keep a tombstone
	ApplyChange(ctx context.Context, change *models.DataChange) error

	// SaveConflict persists a detected conflict
	SaveConflict(ctx context.Context, conflict *models.ConflictRecord) error

	// MarkResolved stores the resolution outcome of a conflict
	// Returns ErrConflictNotFound if conflict doesn't exist
	MarkResolved(ctx context.Context, conflict *models.ConflictRecord) error

	Commit() error
	Rollback() error
}
