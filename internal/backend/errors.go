package backend

import "errors"

var (
	// ErrDuplicateBackend is returned when registering a backend whose name
	// is already taken.
	ErrDuplicateBackend = errors.New("backend already registered")

	// ErrBackendNotFound is returned when a named backend does not exist.
	ErrBackendNotFound = errors.New("backend not found")
)
