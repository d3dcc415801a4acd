// Package domain defines the core types for the evaluation gateway:
// requests, results, provider descriptors, and the error taxonomy shared
// across the application and infrastructure layers.
package domain

import (
	"time"
)

// EvaluationPayload carries the material under evaluation: the prompt that
// was given to a model, the output it produced, and an optional reference
// answer used for deterministic similarity scoring.
type EvaluationPayload struct {
	// Input is the original prompt or task the output responds to.
	Input string `json:"input" validate:"required,min=1"`

	// Output is the model output being judged.
	Output string `json:"output" validate:"required,min=1"`

	// Reference is an optional gold answer. When present, the scorer blends
	// the judge verdict with a string-similarity score against it.
	Reference string `json:"reference,omitempty"`
}

// EvaluationRequest is an accepted request to evaluate one model output
// against a rubric. It is immutable once accepted by the gateway.
type EvaluationRequest struct {
	// ID identifies the request. Callers may supply their own; the gateway
	// generates one otherwise.
	ID string `json:"id,omitempty"`

	// Payload holds the content under evaluation.
	Payload EvaluationPayload `json:"payload" validate:"required"`

	// Criteria is the evaluation rubric the judge scores against.
	Criteria string `json:"criteria" validate:"required,min=1"`

	// ProviderPreference optionally orders the candidate providers for this
	// request. Providers not known to the pool are ignored. When empty, the
	// static priority order from configuration applies.
	ProviderPreference []string `json:"provider_preference,omitempty" validate:"omitempty,dive,min=1"`
}

// Verdict is the parsed judgment extracted from a judge model's response.
type Verdict struct {
	// Score is the overall verdict in [0.0, 1.0].
	Score float64 `json:"score"`

	// Explanation is the judge's reasoning, or the raw response text when
	// the structured verdict could not be parsed.
	Explanation string `json:"explanation"`

	// Confidence reports how certain the judge is of its verdict, when the
	// judge supplied one.
	Confidence *float64 `json:"confidence,omitempty"`

	// CriteriaScores holds per-dimension scores keyed by criterion name.
	CriteriaScores map[string]float64 `json:"criteria_scores,omitempty"`
}

// EvaluationResult is the single outcome produced for an accepted request.
// Exactly one result exists per accepted request; it is never mutated after
// creation.
type EvaluationResult struct {
	// RequestID echoes the request identifier.
	RequestID string

	// Verdict holds the scored judgment.
	Verdict Verdict

	// Provider names the provider that served the evaluation.
	Provider string

	// Latency is the wall-clock duration of the whole evaluation, including
	// skipped candidates.
	Latency time.Duration

	// TokensIn and TokensOut report judge token usage when available.
	TokensIn  int
	TokensOut int

	// Attempts records every candidate tried, in order, with the outcome
	// that advanced the fallback loop. Callers can inspect which providers
	// were skipped and why.
	Attempts []Attempt
}

// AttemptOutcome tags the result of a single candidate attempt inside the
// fallback loop.
type AttemptOutcome string

const (
	// AttemptSuccess means the candidate served the request.
	AttemptSuccess AttemptOutcome = "success"
	// AttemptBreakerOpen means the candidate was skipped without an outbound
	// call because its circuit breaker rejected the request.
	AttemptBreakerOpen AttemptOutcome = "breaker_open"
	// AttemptRateLimited means the token bucket denied the candidate.
	AttemptRateLimited AttemptOutcome = "rate_limited"
	// AttemptStoreUnavailable means the rate-limit store was unreachable;
	// the candidate was denied fail-closed.
	AttemptStoreUnavailable AttemptOutcome = "store_unavailable"
	// AttemptPoolTimeout means no connection slot freed up in time.
	AttemptPoolTimeout AttemptOutcome = "pool_timeout"
	// AttemptProviderError means the outbound call itself failed.
	AttemptProviderError AttemptOutcome = "provider_error"
)

// Attempt records one step of the fallback sequence.
type Attempt struct {
	// Provider is the candidate's identifier.
	Provider string
	// Outcome tags why the loop advanced past (or stopped at) this candidate.
	Outcome AttemptOutcome
	// Err holds the underlying error for non-success outcomes.
	Err error
}

// ProviderRequest is the normalized outbound request shape shared by all
// provider adapters.
type ProviderRequest struct {
	// Prompt is the user-role content sent to the judge model.
	Prompt string
	// System optionally sets a system instruction.
	System string
	// MaxTokens bounds the completion length. Zero uses the adapter default.
	MaxTokens int
	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64
}

// ProviderResponse is the normalized provider reply.
type ProviderResponse struct {
	// Text is the completion content.
	Text string
	// TokensIn and TokensOut are usage counts from the provider, or
	// estimates when the provider omits them.
	TokensIn  int
	TokensOut int
	// Model is the concrete model that produced the response.
	Model string
}

// ProviderDescriptor declares one configured LLM provider. Descriptors are
// loaded at startup and immutable for the process lifetime.
type ProviderDescriptor struct {
	// ID is the unique provider identifier used in rate-limit keys, breaker
	// state, metrics labels, and request preferences.
	ID string `json:"id" validate:"required"`

	// Type selects the adapter implementation: openai, openrouter,
	// anthropic, or google.
	Type string `json:"type" validate:"required,oneof=openai openrouter anthropic google"`

	// Model is the model identifier passed to the provider API.
	Model string `json:"model" validate:"required"`

	// BaseURL overrides the provider's default endpoint. Required for
	// openrouter; optional otherwise.
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `json:"api_key_env" validate:"required"`

	// Priority ranks the provider in the static fallback order; lower values
	// are tried first.
	Priority int `json:"priority" validate:"min=0"`

	// Timeout bounds a single outbound request, independent of pool wait.
	Timeout time.Duration `json:"timeout"`

	// MaxConcurrent caps in-flight requests to this provider.
	MaxConcurrent int `json:"max_concurrent" validate:"min=0"`
}

// RateLimitDecision is the outcome of a token bucket acquisition attempt.
type RateLimitDecision struct {
	// Granted reports whether a token was consumed.
	Granted bool
	// RetryAfter is the time until at least one token refills. Only
	// meaningful on denial.
	RetryAfter time.Duration
}

// BreakerState enumerates the circuit breaker states.
type BreakerState int

const (
	// BreakerClosed passes requests through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects requests immediately.
	BreakerOpen
	// BreakerHalfOpen permits a single probe request.
	BreakerHalfOpen
)

// String returns the lowercase state name used in logs and metrics labels.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
