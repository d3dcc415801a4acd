// Package llm provides provider adapters behind a common Invoker interface,
// a middleware chain for cross-cutting concerns (timeouts, metrics,
// tracing), and the bounded connection pool the evaluation engine calls
// through. Provider-specific APIs (OpenAI, OpenRouter, Anthropic, Google)
// are normalized into domain.ProviderRequest/ProviderResponse so the rest of
// the gateway never sees SDK types.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-arbiter/internal/domain"
)

// Common errors returned by provider adapters.
var (
	// ErrEmptyAPIKey indicates the descriptor's API key environment
	// variable was unset or empty.
	ErrEmptyAPIKey = errors.New("API key cannot be empty")
	// ErrEmptyResponse indicates the provider returned no usable content.
	ErrEmptyResponse = errors.New("empty response from provider")
	// ErrNoResponseChoice indicates the response contained no choices.
	ErrNoResponseChoice = errors.New("no response choices returned")
)

// Invoker is the minimal interface a provider adapter implements. The
// middleware chain wraps any conforming implementation.
type Invoker interface {
	// Invoke sends the request to the provider and returns the normalized
	// response. The context carries the per-request deadline.
	Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error)

	// Descriptor returns the static configuration this adapter was built
	// from.
	Descriptor() domain.ProviderDescriptor
}

// Middleware wraps an Invoker to add cross-cutting behavior. Middlewares
// compose; the first in a chain is the outermost.
type Middleware func(Invoker) Invoker

// Factory builds an adapter from a descriptor and its resolved credential.
type Factory func(desc domain.ProviderDescriptor, apiKey string) (Invoker, error)

var factories = map[string]Factory{}

// Register adds a provider factory under the given descriptor type.
// Adapters self-register from init so new provider types need no central
// wiring.
func Register(providerType string, factory Factory) {
	factories[providerType] = factory
}

// NewInvoker builds the adapter for a descriptor and applies middleware in
// reverse order so the first listed middleware is outermost.
func NewInvoker(desc domain.ProviderDescriptor, apiKey string, mw ...Middleware) (Invoker, error) {
	if apiKey == "" {
		return nil, ErrEmptyAPIKey
	}

	factory, ok := factories[desc.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported provider type %q: %w", desc.Type, domain.ErrUnknownProvider)
	}

	inv, err := factory(desc, apiKey)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", desc.ID, err)
	}

	for i := len(mw) - 1; i >= 0; i-- {
		inv = mw[i](inv)
	}
	return inv, nil
}

// estimateTokens approximates a token count at roughly four characters per
// token, used when a provider omits usage data.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// tokenCount prefers the provider-reported count, falling back to an
// estimate from the text.
func tokenCount(reported int64, text string) int {
	if reported > 0 {
		return int(reported)
	}
	return estimateTokens(text)
}
