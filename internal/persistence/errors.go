package persistence

import "errors"

// Common errors for persistence operations
var (
	// ErrNotFound is returned when a session has no persisted handle
	ErrNotFound = errors.New("session not found in store")
)
