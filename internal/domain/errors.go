// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed or incomplete input.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a state change along an edge the execution
// state machine does not allow. Always a caller or logic bug, never retried.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrForbidden indicates the caller does not own the requested resource.
var ErrForbidden = errors.New("forbidden")

// ErrBudgetExceeded indicates a token or cost ceiling has been reached.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrHookBlocked indicates a guard or validate hook stopped the action.
var ErrHookBlocked = errors.New("blocked by hook")

// ErrOracleFailure indicates the planning or judgment oracle returned an error.
var ErrOracleFailure = errors.New("oracle failure")

// ErrPersistence indicates a checkpoint or record write failed.
var ErrPersistence = errors.New("persistence failure")

// ErrInvalidState indicates the entity is in a state that does not permit
// the requested operation (e.g. rolling back a completed execution).
var ErrInvalidState = errors.New("invalid state")
