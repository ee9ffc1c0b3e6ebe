package storage

import "errors"

// Common storage errors
var (
	// ErrSessionNotFound indicates that sync session was not found in storage
	ErrSessionNotFound = errors.New("sync session not found")

	// ErrRecordNotFound indicates that data record was not found
	ErrRecordNotFound = errors.New("record not found")

	// ErrConflictNotFound indicates that conflict record was not found
	ErrConflictNotFound = errors.New("conflict not found")
)
