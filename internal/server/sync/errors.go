package sync

import "errors"

// Sync pipeline errors
var (
	// ErrInvalidChange indicates a malformed client change (bad operation,
	// unknown entity type or missing record ID)
	ErrInvalidChange = errors.New("invalid change")

	// ErrNotOwned indicates an attempt to mutate another user's record
	ErrNotOwned = errors.New("record belongs to another user")

	// ErrInvalidResolution indicates an unknown resolution strategy
	ErrInvalidResolution = errors.New("invalid resolution strategy")

	// ErrManualPayloadMissing indicates a manual resolution without payload
	ErrManualPayloadMissing = errors.New("manual resolution requires a payload")
)
