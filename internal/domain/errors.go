package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrPersistence       = errors.New("persistence error")
	ErrQueueClosed       = errors.New("queue closed")
	ErrQueueFull         = errors.New("queue full")

	// ErrJobClaimed is returned by ClaimJob while another worker's claim on
	// the job is live.
	ErrJobClaimed = errors.New("job claimed")

	// ErrConflict is returned by JobStore.Save when the stored version moved
	// underneath the caller. It is a persistence error.
	ErrConflict = fmt.Errorf("%w: write conflict", ErrPersistence)
)

// TransitionError reports an operation that is illegal from the job's
// current status.
type TransitionError struct {
	Op   string
	From JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job in status %s", e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
