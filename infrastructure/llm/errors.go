package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind categorizes provider failures for standardized handling, such
// as deciding whether a failure should count against the breaker.
type ErrorKind int

const (
	// KindUnknown is an error of undetermined category.
	KindUnknown ErrorKind = iota
	// KindAuth indicates an authentication or authorization failure.
	KindAuth
	// KindRateLimit indicates the provider throttled the request.
	KindRateLimit
	// KindBadRequest indicates malformed parameters.
	KindBadRequest
	// KindServer indicates a provider-side failure.
	KindServer
	// KindContentPolicy indicates a safety-filter rejection.
	KindContentPolicy
	// KindNetwork indicates a client-side transport failure.
	KindNetwork
	// KindTimeout indicates the request exceeded its deadline.
	KindTimeout
)

// ProviderError normalizes provider-specific failures into one shape the
// engine and metrics can act on.
type ProviderError struct {
	// Provider is the descriptor ID of the adapter that produced the error.
	Provider string
	// Kind classifies the failure.
	Kind ErrorKind
	// StatusCode holds the provider's HTTP status, when applicable.
	StatusCode int
	// Message is the provider's error message.
	Message string
	// Err is the underlying error.
	Err error
}

// Error satisfies the error interface.
func (e *ProviderError) Error() string {
	base := fmt.Sprintf("%s error", e.Provider)
	if e.StatusCode > 0 {
		base = fmt.Sprintf("%s (HTTP %d)", base, e.StatusCode)
	}
	if e.Message != "" {
		base += ": " + e.Message
	}
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *ProviderError) Unwrap() error { return e.Err }

// classifier builds ProviderErrors for one adapter.
type classifier struct {
	provider string
}

// fromStatus classifies an HTTP status code from the provider.
func (c *classifier) fromStatus(status int, message string, err error) *ProviderError {
	kind := KindUnknown
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status == 429:
		kind = KindRateLimit
	case status >= 500:
		kind = KindServer
	case status >= 400:
		kind = KindBadRequest
	}
	return &ProviderError{Provider: c.provider, Kind: kind, StatusCode: status, Message: message, Err: err}
}

// fromContext classifies deadline and cancellation errors.
func (c *classifier) fromContext(err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ProviderError{Provider: c.provider, Kind: KindTimeout, Message: "request deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &ProviderError{Provider: c.provider, Kind: KindNetwork, Message: "request canceled", Err: err}
	default:
		return &ProviderError{Provider: c.provider, Kind: KindUnknown, Err: err}
	}
}

// isContextError reports whether err stems from context expiry.
func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
