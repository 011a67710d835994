package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks caller input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a task, run, or team does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a caller touches another team's task.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition is returned for status changes outside the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidState is returned when an operation's status precondition does not hold.
	ErrInvalidState = errors.New("invalid task state")
	// ErrUnauthenticated is returned when no caller identity was resolved.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrConflict is returned by stores when a compare-and-set loses a race.
	// The Engine retries these; callers never see them.
	ErrConflict = errors.New("concurrent modification")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports an illegal status change.
type TransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition task from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
