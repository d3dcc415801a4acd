package llm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/go-arbiter/internal/domain"
	"github.com/ahrav/go-arbiter/internal/ports"
)

// Pool defaults applied when a descriptor leaves the field unset.
const (
	// DefaultMaxConcurrent caps in-flight requests per provider.
	DefaultMaxConcurrent = 8
	// DefaultQueueTimeout bounds how long a caller waits for a free slot.
	DefaultQueueTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds a single outbound provider call.
	DefaultRequestTimeout = 60 * time.Second
)

// PoolOptions configures pool-wide behavior.
type PoolOptions struct {
	// QueueTimeout is the maximum time a caller waits for a connection
	// slot before the call fails with domain.ErrPoolTimeout.
	QueueTimeout time.Duration
	// Metrics receives pool and invocation metrics. Optional.
	Metrics ports.MetricsCollector
	// Middleware is applied to every adapter, outermost first, after the
	// built-in timeout middleware.
	Middleware []Middleware
}

// pooledProvider pairs an adapter with its connection slots.
type pooledProvider struct {
	invoker  Invoker
	slots    *semaphore.Weighted
	desc     domain.ProviderDescriptor
	inFlight atomic.Int64
}

// Pool implements ports.ProviderPool: bounded, middleware-wrapped access to
// every configured provider.
type Pool struct {
	providers    map[string]*pooledProvider
	order        []domain.ProviderDescriptor
	queueTimeout time.Duration
	metrics      ports.MetricsCollector
	logger       *zap.Logger
}

var _ ports.ProviderPool = (*Pool)(nil)

// NewPool builds adapters for every descriptor whose credential is present
// in the environment. Descriptors with a missing credential are skipped
// with a warning, mirroring partial provider availability at deploy time.
// It returns an error only when no provider could be initialized.
func NewPool(descs []domain.ProviderDescriptor, opts PoolOptions, logger *zap.Logger) (*Pool, error) {
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}

	pool := &Pool{
		providers:    make(map[string]*pooledProvider, len(descs)),
		queueTimeout: opts.QueueTimeout,
		metrics:      opts.Metrics,
		logger:       logger.Named("pool"),
	}

	for _, desc := range descs {
		if desc.Timeout <= 0 {
			desc.Timeout = DefaultRequestTimeout
		}
		if desc.MaxConcurrent <= 0 {
			desc.MaxConcurrent = DefaultMaxConcurrent
		}

		apiKey := os.Getenv(desc.APIKeyEnv)
		if apiKey == "" {
			pool.logger.Warn("skipping provider, credential not set",
				zap.String("provider", desc.ID),
				zap.String("env", desc.APIKeyEnv),
			)
			continue
		}

		mw := append([]Middleware{TimeoutMiddleware(desc.Timeout)}, opts.Middleware...)
		inv, err := NewInvoker(desc, apiKey, mw...)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", desc.ID, err)
		}

		pool.providers[desc.ID] = &pooledProvider{
			invoker: inv,
			slots:   semaphore.NewWeighted(int64(desc.MaxConcurrent)),
			desc:    desc,
		}
		pool.order = append(pool.order, desc)
	}

	if len(pool.providers) == 0 {
		return nil, fmt.Errorf("no providers available: none of %d descriptors had a credential", len(descs))
	}

	sort.SliceStable(pool.order, func(i, j int) bool {
		return pool.order[i].Priority < pool.order[j].Priority
	})

	return pool, nil
}

// Invoke sends the request through the provider's bounded slot pool. The
// caller blocks until a slot frees or the queue timeout elapses; the
// per-request timeout inside the middleware chain runs independently of the
// wait. Cancelling ctx while waiting or mid-call releases the slot
// immediately.
func (p *Pool) Invoke(ctx context.Context, providerID string, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	pp, ok := p.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, providerID)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
	defer cancel()

	if err := pp.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrPoolTimeout, providerID)
	}
	defer pp.slots.Release(1)

	p.trackInFlight(pp, 1)
	defer p.trackInFlight(pp, -1)

	return pp.invoker.Invoke(ctx, req)
}

// Descriptors returns the initialized providers in static priority order.
func (p *Pool) Descriptors() []domain.ProviderDescriptor {
	out := make([]domain.ProviderDescriptor, len(p.order))
	copy(out, p.order)
	return out
}

func (p *Pool) trackInFlight(pp *pooledProvider, delta int64) {
	current := pp.inFlight.Add(delta)
	if p.metrics == nil {
		return
	}
	p.metrics.RecordGauge("pool_in_flight", float64(current), map[string]string{"provider": pp.desc.ID})
}
