package messaging

import (
	"errors"
	"fmt"
)

// Error taxonomy for the messaging core. Callers classify with errors.Is;
// the gateway and the agent tool surface map these to status codes.
var (
	// ErrNotAuthorized: the actor has no relationship to the referenced
	// context, or its effective visibility is none. Never downgraded to an
	// empty result.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound: the referenced load, trip, or conversation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMessagingUnavailable is terminal and non-retryable: the partner
	// company is not a platform member. Surfaces render a notice, not a retry.
	ErrMessagingUnavailable = errors.New("messaging unavailable")

	// ErrValidation: empty or oversized body, malformed metadata for a
	// structured message type. Caught before any network call.
	ErrValidation = errors.New("validation failed")
)

// TransientError wraps a retryable network or subscription failure. Surfaces
// handle it locally (fall back to on-demand fetch) instead of failing hard.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError, or returns nil if err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
