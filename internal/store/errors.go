package store

import "errors"

var (
	// ErrNotFound is returned when no pattern exists for the given id.
	ErrNotFound = errors.New("pattern not found")

	// ErrStorageUnavailable is returned from Persist/Load when the backing
	// database cannot be opened, read, or written. The store keeps serving
	// from memory; only durability is lost.
	ErrStorageUnavailable = errors.New("pattern storage unavailable")

	// ErrClosed is returned when an operation reaches a store that has
	// already been shut down.
	ErrClosed = errors.New("store is closed")
)
