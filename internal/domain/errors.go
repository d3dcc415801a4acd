package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the gateway's failure taxonomy. Each maps to a
// distinct handling policy: validation errors are client-caused and never
// retried, store and provider errors advance the fallback loop locally, and
// only total exhaustion surfaces to the caller.
var (
	// ErrStoreUnavailable indicates the rate-limit store could not be
	// reached. The engine treats this as a fail-closed denial; it is never
	// counted against a provider's breaker.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrRateLimited indicates the token bucket denied the acquisition.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrProviderUnavailable indicates a circuit breaker rejected the
	// request without an outbound call.
	ErrProviderUnavailable = errors.New("provider circuit open")

	// ErrPoolTimeout indicates no connection slot freed up within the
	// pool's queue timeout.
	ErrPoolTimeout = errors.New("provider pool timeout")

	// ErrAllProvidersUnavailable is the terminal failure returned when
	// every candidate was tried and none served the request.
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")

	// ErrUnknownProvider indicates a provider identifier with no
	// registered descriptor.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ValidationError reports a client-caused request defect. It maps to a 4xx
// response and is never retried.
type ValidationError struct {
	// Field names the offending request field, when known.
	Field string
	// Reason describes what was wrong.
	Reason string
}

// Error satisfies the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
