package storage

import "errors"

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key already
	// exists in a store that does not allow overwrite (membership, instruments).
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
