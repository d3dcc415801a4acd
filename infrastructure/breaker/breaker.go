// Package breaker implements per-provider circuit breakers. Each provider
// gets an independent state machine kept in process memory; replicas do not
// coordinate because the breaker protects this replica's own connections to
// a failing provider, not a global view of provider health.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/go-arbiter/internal/domain"
	"github.com/ahrav/go-arbiter/internal/ports"
)

// Config controls breaker behavior for every provider in the registry.
type Config struct {
	// FailureThreshold is the number of failures within Window that trips
	// the breaker from closed to open. Default: 5.
	FailureThreshold int

	// Window is the sliding window over which failures are counted.
	// Default: 60s.
	Window time.Duration

	// Cooldown is how long the breaker stays open before permitting a
	// half-open probe. Default: 30s.
	Cooldown time.Duration
}

// DefaultConfig returns the production defaults: 5 failures in a 60 second
// window trip the breaker, with a 30 second cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// providerBreaker is the state machine for one provider. All fields are
// guarded by mu.
type providerBreaker struct {
	mu       sync.Mutex
	state    domain.BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool
}

// Registry implements ports.BreakerRegistry with one breaker per provider,
// created lazily on first use.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	metrics ports.MetricsCollector

	mu       sync.RWMutex
	breakers map[string]*providerBreaker

	// now allows test injection of time.
	now func() time.Time
}

var _ ports.BreakerRegistry = (*Registry)(nil)

// NewRegistry creates a breaker registry. Zero config fields fall back to
// the defaults.
func NewRegistry(cfg Config, metrics ports.MetricsCollector, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	return &Registry{
		cfg:      cfg,
		logger:   logger.Named("breaker"),
		metrics:  metrics,
		breakers: make(map[string]*providerBreaker),
		now:      time.Now,
	}
}

// Allow reports whether a request to the provider may proceed. An open
// breaker whose cooldown has elapsed moves to half-open and admits exactly
// one probe; concurrent callers are rejected until the probe's outcome is
// recorded.
func (r *Registry) Allow(providerID string) bool {
	b := r.get(providerID)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerClosed:
		return true

	case domain.BreakerOpen:
		if r.now().Sub(b.openedAt) < r.cfg.Cooldown {
			return false
		}
		r.transition(providerID, b, domain.BreakerHalfOpen)
		b.probing = true
		return true

	case domain.BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordOutcome feeds a call result back into the provider's breaker.
// Failures within the sliding window trip a closed breaker once the
// threshold is reached. In half-open, the probe outcome decides the next
// state and a failed probe restarts the cooldown. Outcomes arriving while
// the breaker is open come from calls admitted before it tripped and are
// ignored.
func (r *Registry) RecordOutcome(providerID string, success bool) {
	b := r.get(providerID)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerHalfOpen:
		b.probing = false
		if success {
			b.failures = b.failures[:0]
			r.transition(providerID, b, domain.BreakerClosed)
			return
		}
		b.openedAt = r.now()
		r.transition(providerID, b, domain.BreakerOpen)

	case domain.BreakerClosed:
		if success {
			return
		}
		now := r.now()
		b.failures = append(b.failures, now)
		b.failures = pruneOlderThan(b.failures, now.Add(-r.cfg.Window))
		if len(b.failures) >= r.cfg.FailureThreshold {
			b.openedAt = now
			r.transition(providerID, b, domain.BreakerOpen)
		}

	case domain.BreakerOpen:
		// Late outcome from a call that started before the trip.
	}
}

// ReleaseProbe frees the half-open probe slot when an admitted request was
// skipped before any outbound call, such as a rate-limit denial or a pool
// queue timeout. Without the release the slot would stay reserved forever
// and the breaker could never leave half-open. In any other state this is a
// no-op.
func (r *Registry) ReleaseProbe(providerID string) {
	b := r.get(providerID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == domain.BreakerHalfOpen {
		b.probing = false
	}
}

// State returns the provider's current breaker state without advancing it.
func (r *Registry) State(providerID string) domain.BreakerState {
	b := r.get(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// get returns the provider's breaker, creating it closed on first use.
func (r *Registry) get(providerID string) *providerBreaker {
	r.mu.RLock()
	b, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[providerID]; ok {
		return b
	}
	b = &providerBreaker{state: domain.BreakerClosed}
	r.breakers[providerID] = b
	return b
}

// transition moves the breaker to a new state, logging and recording the
// change. Callers hold b.mu.
func (r *Registry) transition(providerID string, b *providerBreaker, to domain.BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	r.logger.Info("breaker state change",
		zap.String("provider", providerID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)

	if r.metrics != nil {
		r.metrics.RecordCounter("breaker_transitions_total", 1, map[string]string{
			"provider": providerID,
			"to":       to.String(),
		})
		r.metrics.RecordGauge("breaker_state", float64(to), map[string]string{
			"provider": providerID,
		})
	}
}

// pruneOlderThan drops timestamps before the cutoff, preserving order.
func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(ts) && ts[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return ts
	}
	return append(ts[:0], ts[idx:]...)
}
