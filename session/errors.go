package session

import "errors"

var (
	// ErrNotInitialized is returned by queries on a Session without a
	// successful Init.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrInvalidTarget is returned by Init when the executable or the
	// snapshot cannot be loaded. The Session stays unusable until the
	// next successful Init.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrUnavailable is returned when the heap cannot be walked. It is
	// recoverable: the census may be retried.
	ErrUnavailable = errors.New("heap walk unavailable")

	// ErrOutOfRange is returned for thread, frame, or type indices
	// outside the current tables.
	ErrOutOfRange = errors.New("index out of range")

	// ErrNotFound is returned when an address is not a recognizable object.
	ErrNotFound = errors.New("object not found")

	// ErrStaleCursor is returned for cursors and type indices from an
	// earlier census.
	ErrStaleCursor = errors.New("stale cursor")

	// ErrUnsupported is returned when the backend lacks an optional feature.
	ErrUnsupported = errors.New("not supported by backend")
)
