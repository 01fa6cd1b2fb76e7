package domain

import (
	"errors"
	"fmt"
)

// Sentinel categories. The typed errors below wrap these so callers can
// classify with errors.Is without caring about the concrete type.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid stage transition")
	ErrNotFound            = errors.New("record not found")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrTransientIO         = errors.New("transient io failure")
)

// ValidationError reports malformed input to a public operation. No store
// I/O was attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InvalidTransitionError reports an illegal stage move.
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NotFoundError means the record vanished between read and write: zero
// rows affected, likely already moved or deleted by another writer.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("order %s not found", e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConstraintViolationError means the store rejected a value, e.g. a status
// outside the check constraint's allowed set.
type ConstraintViolationError struct {
	Detail string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation: %s", e.Detail)
}

func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

// SchemaMismatchError means a referenced column is absent in the current
// deployment. The coordinator retries once without the field before giving
// up.
type SchemaMismatchError struct {
	Column string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: column %q absent", e.Column)
}

func (e *SchemaMismatchError) Is(target error) bool { return target == ErrSchemaMismatch }

// TransientIOError wraps network/store unavailability. Eligible for
// caller-level retry with backoff; the core itself does not loop.
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string { return fmt.Sprintf("transient io: %v", e.Err) }

func (e *TransientIOError) Unwrap() error { return e.Err }

func (e *TransientIOError) Is(target error) bool { return target == ErrTransientIO }
