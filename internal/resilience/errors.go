// Package resilience guards calls to upstream services with bounded
// exponential-backoff retries and per-key circuit breakers.
package resilience

import (
	"context"
	"errors"
)

// ErrCircuitOpen reports that an operation was not attempted because its
// breaker is open. It only appears as a Result cause.
var ErrCircuitOpen = errors.New("circuit open")

// FailureKind classifies an error for retry and reporting decisions.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureTransient   FailureKind = "transient"
	FailurePermanent   FailureKind = "permanent"
	FailureCircuitOpen FailureKind = "circuit_open"
)

// TransientError marks a failure as eligible for retry (network errors,
// rate limiting, upstream 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix (validation,
// authentication, malformed upstream payloads).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classify maps err to a FailureKind. Unmarked errors and deadline
// expiries count as transient; cancellation by the caller is permanent.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrCircuitOpen):
		return FailureCircuitOpen
	case IsPermanent(err), errors.Is(err, context.Canceled):
		return FailurePermanent
	default:
		return FailureTransient
	}
}
