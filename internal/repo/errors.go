package repo

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a create collides with an existing
	// record.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a guarded update finds the record in a
	// different state than expected, or a delete is blocked by dependents.
	ErrConflict = errors.New("conflict")
)

// StoreError wraps a driver-level failure so callers can distinguish storage
// trouble from domain errors.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
