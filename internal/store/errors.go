package store

import "errors"

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when a unique constraint is violated.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInsufficientBalance is returned when a ledger entry would drive a
	// user's balance below zero. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConflict is returned when a guarded update loses a race: the row
	// changed between validation and the write, and nothing was applied.
	ErrConflict = errors.New("concurrent modification")
)
