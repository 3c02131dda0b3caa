package authstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound        = errors.New("session not found")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrInvalidPatch    = errors.New("invalid patch data")

	// Tier errors
	ErrFastTier     = errors.New("fast tier storage error")
	ErrDurableTier  = errors.New("durable tier storage error")
	ErrHybridStore  = errors.New("hybrid store error")
	ErrTimeout      = errors.New("operation timed out")
	ErrNotConnected = errors.New("store is not connected")

	// Circuit breaker errors
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// VersionMismatchError reports an optimistic-locking conflict. It unwraps to
// ErrVersionMismatch so callers can match it with errors.Is at any layer.
type VersionMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *VersionMismatchError) Unwrap() error {
	return ErrVersionMismatch
}

// NewVersionMismatch creates a version conflict error
func NewVersionMismatch(expected, actual int64) error {
	return &VersionMismatchError{Expected: expected, Actual: actual}
}

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// wrapStorage chains a cause under one of the tier sentinels
func wrapStorage(kind error, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVersionMismatch checks if an error is an optimistic-locking conflict
func IsVersionMismatch(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}

// IsBreakerOpen checks if an error came from an open circuit breaker
func IsBreakerOpen(err error) bool {
	return errors.Is(err, ErrBreakerOpen)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrFastTier) ||
		errors.Is(err, ErrDurableTier) ||
		errors.Is(err, ErrBreakerOpen)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidPatch) ||
		errors.Is(err, ErrInvalidConfig)
}
