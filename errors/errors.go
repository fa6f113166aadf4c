// Package errors provides standardized error handling for eventstore
// components. It includes error classification, the domain error taxonomy
// used across the retrieval and deletion paths, and helper functions for
// consistent error wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Domain error taxonomy. These are the only conditions that cross
// component boundaries; everything else is retried or corrected locally.
var (
	// ErrOverloaded indicates the aggregation concurrency ceiling was
	// reached before the caller's deadline. Callers should retry with
	// backoff.
	ErrOverloaded = errors.New("aggregation concurrency ceiling reached")

	// ErrCursorExpired indicates a scroll cursor outlived its idle window.
	// The caller must reopen the scroll.
	ErrCursorExpired = errors.New("scroll cursor expired")

	// ErrCursorMismatch indicates a scroll cursor was used against a query
	// other than the one that produced it.
	ErrCursorMismatch = errors.New("scroll cursor does not match query")

	// ErrStoreUnavailable indicates the document store could not be
	// reached. The cardinality estimator falls back to static caps and the
	// deletion scheduler parks the job for retry.
	ErrStoreUnavailable = errors.New("document store unavailable")

	// ErrJobFailed indicates a deletion job exhausted its retry budget.
	ErrJobFailed = errors.New("deletion job failed")

	// ErrJobNotFound indicates an unknown deletion job id.
	ErrJobNotFound = errors.New("deletion job not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// PartialAggregationFailure reports that one or more per-metric sub-queries
// failed. The whole aggregate call fails; no partial payload is returned.
type PartialAggregationFailure struct {
	Metric string
	Err    error
}

// Error implements the error interface
func (e *PartialAggregationFailure) Error() string {
	return fmt.Sprintf("aggregation failed for metric %q: %v", e.Metric, e.Err)
}

// Unwrap returns the underlying sub-query error
func (e *PartialAggregationFailure) Unwrap() error {
	return e.Err
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is a caller error (bad request, stale or
// mismatched cursor)
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrCursorExpired) ||
		errors.Is(err, ErrCursorMismatch) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrJobFailed)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		// Default to transient for unknown errors to allow retry
		return ErrorTransient
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return newClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return newClassified(ErrorFatal, err, component, method, action)
}
