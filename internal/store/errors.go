package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("already exists")

	// ErrStoreUnavailable marks infrastructure failures so callers can
	// tell "no work" from "can't reach the store".
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConcurrencyConflict is returned when a conditional update lost
	// a race. Callers treat it as a no-op, not a failure.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
