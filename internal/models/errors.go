package models

import "errors"

var (
	// ErrNotFound is returned when a ride or pool does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a transition was already applied,
	// e.g. cancelling a cancelled ride.
	ErrConflict = errors.New("conflict")
	// ErrCapacityExceeded is returned when a join would overflow a pool.
	ErrCapacityExceeded = errors.New("pool capacity exceeded")
	// ErrVersionConflict is returned by conditional pool writes when the
	// stored version moved since the pool was read.
	ErrVersionConflict = errors.New("pool version conflict")
	ErrInvalidInput    = errors.New("invalid input")
)
