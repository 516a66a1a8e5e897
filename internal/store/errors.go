package store

import "errors"

var (
	// ErrNotFound is returned when the checkpoint to remove or replace is not stored.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrConflict is returned when a different checkpoint is already stored
	// for the same flow id.
	ErrConflict = errors.New("conflicting checkpoint for flow")
)
