package model

import (
	"errors"
	"fmt"
)

// API error codes returned in error response bodies.
const (
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
)

// TransientError marks a dependency failure that is safe to retry.
// Retry handling (backoff, budgets) is the caller's job; the wrapper only
// carries the classification.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// FatalError marks a failure that must not be retried: the run or execution
// fails immediately.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable. Returns nil for a nil err.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err is classified as retryable anywhere in
// its chain.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is classified as non-retryable anywhere in
// its chain.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// ErrCreditExhausted is returned by a Planner when the agent's usage credit
// is spent. The autonomy loop pauses with reason credit_exhausted instead of
// treating it as a tick failure.
var ErrCreditExhausted = errors.New("model: usage credit exhausted")
