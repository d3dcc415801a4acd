// Package ports declares the interfaces the application layer consumes.
// Infrastructure packages provide the implementations; the evaluation engine
// depends only on these contracts.
package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-arbiter/internal/domain"
)

// RateLimiter is the distributed token bucket shared by all gateway
// replicas. Implementations must make the refill-and-decrement atomic across
// concurrent callers, including callers in other processes.
type RateLimiter interface {
	// TryAcquire attempts to consume cost tokens from the provider's bucket.
	// It never blocks waiting for refill. On denial the decision carries the
	// time until at least one token becomes available. If the backing store
	// is unreachable it returns domain.ErrStoreUnavailable; callers must
	// treat that as a denial, never as permission.
	TryAcquire(ctx context.Context, providerID string, cost int) (domain.RateLimitDecision, error)

	// Ping reports whether the backing store is reachable. The readiness
	// probe uses this signal.
	Ping(ctx context.Context) error

	// Close releases store connections.
	Close() error
}

// BreakerRegistry tracks one circuit breaker per provider. State is local to
// this replica; divergence between replicas is acceptable because the
// breaker protects this replica's own connections.
type BreakerRegistry interface {
	// Allow reports whether a request to the provider may proceed. In the
	// half-open state at most one caller at a time receives true.
	Allow(providerID string) bool

	// RecordOutcome feeds a call result back into the provider's breaker.
	RecordOutcome(providerID string, success bool)

	// ReleaseProbe returns an admission granted by Allow that never turned
	// into an outbound call, so the half-open probe slot is freed for the
	// next caller. Callers that reach the provider report through
	// RecordOutcome instead; every Allow that returns true must be followed
	// by exactly one of the two.
	ReleaseProbe(providerID string)

	// State returns the provider's current breaker state.
	State(providerID string) domain.BreakerState
}

// ProviderPool issues requests to configured LLM providers through bounded
// per-provider connection pools.
type ProviderPool interface {
	// Invoke sends the request to the named provider. It blocks until a
	// pool slot frees or the queue timeout elapses, in which case it
	// returns domain.ErrPoolTimeout. The per-request timeout applies
	// independently of pool wait time. Cancelling ctx releases the slot.
	Invoke(ctx context.Context, providerID string, req domain.ProviderRequest) (*domain.ProviderResponse, error)

	// Descriptors returns the configured providers sorted by priority rank.
	Descriptors() []domain.ProviderDescriptor
}

// MetricsCollector abstracts the metrics backend so components stay free of
// a direct Prometheus dependency.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	RecordHistogram(metric string, value float64, labels map[string]string)
}
