package engine

import (
	"errors"
	"fmt"
)

// ClassifiedError tags an analyzer error with the failure tier that governs
// how the worker retries it.
type ClassifiedError struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewSchemaError wraps err as a schema-tier failure.
func NewSchemaError(err error) *ClassifiedError {
	return &ClassifiedError{Kind: FailureSchema, Err: err}
}

// NewTransientError wraps err as a transient-tier failure.
func NewTransientError(err error) *ClassifiedError {
	return &ClassifiedError{Kind: FailureTransient, Err: err}
}

// NewUnrecoverableError wraps err as an unrecoverable-input failure.
func NewUnrecoverableError(err error) *ClassifiedError {
	return &ClassifiedError{Kind: FailureUnrecoverable, Err: err}
}

// Classify extracts the failure kind from err. Unclassified errors are treated
// as transient so that plain network failures from an analyzer implementation
// get the backoff tier by default.
func Classify(err error) FailureKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailureTransient
}
