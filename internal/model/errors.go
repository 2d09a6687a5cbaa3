package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by stores, services and transports. Callers compare
// with errors.Is; transports map each sentinel to a machine-readable code.
var (
	// ErrInvalidTransition: the state machine rejected an out-of-order change.
	// Not retryable.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidOperation: a control action does not apply to the run's
	// current state (e.g. pausing a terminal run).
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNotFound: unknown run, step, artifact or project.
	ErrNotFound = errors.New("not found")

	// ErrPersistence: the backing store could not durably record or read.
	// Retryable with the same intended transition.
	ErrPersistence = errors.New("persistence error")

	// ErrConflict: a uniqueness constraint was violated (e.g. project name).
	ErrConflict = errors.New("conflict")

	// ErrLeaseLost: the caller no longer owns the run it is driving.
	ErrLeaseLost = errors.New("lease lost")

	// ErrInvalidInput: a request failed validation before reaching the store.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError describes a rejected lifecycle change.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// Unwrap lets errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// OperationError describes a control action rejected for the run's state.
type OperationError struct {
	Op     string
	RunID  int64
	Status RunStatus
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("cannot %s run %d in status %s", e.Op, e.RunID, e.Status)
}

func (e *OperationError) Unwrap() error { return ErrInvalidOperation }

// Retryable reports whether err is a transient backend failure that a caller
// may retry unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}
