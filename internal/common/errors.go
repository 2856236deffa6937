// Package common defines the sentinel errors and small error types shared by
// the sync engine, the local stores and the merge model. Callers should use
// errors.Is / errors.As to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Store-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrorInternal      = errors.New("internal error")

	// Sync toggle errors.
	ErrNotInitialized = errors.New("database not initialized")
	ErrNotSyncing     = errors.New("database not yet syncing")

	// Event registration after the bus started dispatching.
	ErrAlreadyStarted = errors.New("initialization already started")

	// Activation errors.
	ErrInvalidProjectID = errors.New("invalid project id")

	// Allocation errors.
	ErrNoRangesAvailable = errors.New("no autoincrement ranges available")

	// Merge errors.
	ErrNoConflict     = errors.New("record is not in conflict")
	ErrMergeIntegrity = errors.New("merge integrity error")
	ErrTypeMismatch   = errors.New("revision types differ")
)

// ValidationError carries a human readable reason for a rejected edit.
// The caller is expected to show Reason to the user unchanged.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError returns a *ValidationError with the given reason.
func NewValidationError(reason string) error {
	return &ValidationError{Reason: reason}
}

// LogicError signals a wiring bug in a collaborator. It is raised with panic
// and is not meant to be recovered in normal operation.
type LogicError struct {
	Op  string
	Msg string
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("logic error in %s: %s", e.Op, e.Msg)
}
