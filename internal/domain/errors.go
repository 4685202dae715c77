package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInternal        = errors.New("internal error")
)

// ValidationError is fatal to the call that produced it and is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Message)
}

// Is makes ValidationError match ErrInvalidArgument in errors.Is chains.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidArgument }

// NewValidationError builds a field-scoped validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// DatabaseError wraps a transport-level store failure. Retryable by the caller.
type DatabaseError struct {
	Operation string
	Cause     error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: op=%s: %v", e.Operation, e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// Is makes DatabaseError match ErrInternal in errors.Is chains.
func (e *DatabaseError) Is(target error) bool { return target == ErrInternal }

// NewDatabaseError wraps cause with the failing operation name.
func NewDatabaseError(operation string, cause error) *DatabaseError {
	return &DatabaseError{Operation: operation, Cause: cause}
}

// IsRetryable reports whether err is worth retrying (transport or timeout
// class failures). Validation and not-found failures are not retryable.
func IsRetryable(err error) bool {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return true
	}
	return errors.Is(err, ErrUpstreamTimeout)
}
