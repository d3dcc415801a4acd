// Package ratelimit implements the distributed token bucket that all
// gateway replicas share through Redis.
//
// The limiter has two layers. A local x/time/rate token bucket per provider
// acts as a fast path: a request the replica itself is already over budget
// for is denied without a Redis round-trip. Requests that pass the local
// check hit the shared Redis bucket, where a single Lua script performs the
// lazy refill and conditional decrement atomically across every replica.
//
// The limiter fails closed. If Redis is unreachable the acquisition returns
// domain.ErrStoreUnavailable and the caller must treat it as a denial.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-arbiter/internal/domain"
	"github.com/ahrav/go-arbiter/internal/ports"
)

// keyPrefix namespaces bucket keys in the shared store.
const keyPrefix = "ratelimit:"

// tokenBucketScript refills the bucket lazily from elapsed time and
// conditionally decrements it in one atomic Redis operation.
//
// KEYS[1] = bucket key
// ARGV[1] = capacity (max tokens)
// ARGV[2] = refill rate (tokens per second)
// ARGV[3] = cost
// ARGV[4] = now (unix milliseconds)
// ARGV[5] = key TTL (milliseconds, the full refill window)
//
// Returns {1, -1} when granted, {0, retry_ms} when denied. The token count
// is clamped at capacity and can never go negative: a failed decrement
// leaves the bucket unchanged apart from the refill.
var tokenBucketScript = redis.NewScript(`
	local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
	local updated = tonumber(redis.call('HGET', KEYS[1], 'updated'))
	local capacity = tonumber(ARGV[1])
	local refill = tonumber(ARGV[2])
	local cost = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])

	if tokens == nil or updated == nil then
		tokens = capacity
		updated = now
	end

	local elapsed = math.max(0, now - updated) / 1000
	tokens = math.min(capacity, tokens + elapsed * refill)

	local granted = 0
	local retry_ms = -1
	if tokens >= cost then
		tokens = tokens - cost
		granted = 1
	else
		retry_ms = math.ceil((cost - tokens) / refill * 1000)
	end

	redis.call('HSET', KEYS[1], 'tokens', tokens, 'updated', now)
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {granted, retry_ms}
`)

// Config controls bucket geometry. The same geometry applies to every
// provider bucket; buckets are independent per provider key.
type Config struct {
	// Capacity is the maximum token count a bucket holds.
	Capacity float64
	// RefillRate is the continuous refill in tokens per second.
	RefillRate float64
	// LocalFastPath enables the per-replica x/time/rate layer in front of
	// the shared store.
	LocalFastPath bool
}

// Limiter implements ports.RateLimiter over Redis.
type Limiter struct {
	client *redis.Client
	cfg    Config
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter

	metrics ports.MetricsCollector
	// now allows test injection of time.
	now func() time.Time
}

var _ ports.RateLimiter = (*Limiter)(nil)

// New creates a Limiter over the given Redis client. The key TTL equals the
// bucket's full refill window, so an idle bucket expires exactly when it
// would have refilled to capacity anyway.
func New(client *redis.Client, cfg Config, metrics ports.MetricsCollector, logger *zap.Logger) (*Limiter, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("ratelimit: capacity must be positive")
	}
	if cfg.RefillRate <= 0 {
		return nil, errors.New("ratelimit: refill rate must be positive")
	}

	ttl := time.Duration(cfg.Capacity / cfg.RefillRate * float64(time.Second))
	if ttl < time.Second {
		ttl = time.Second
	}

	return &Limiter{
		client:  client,
		cfg:     cfg,
		ttl:     ttl,
		logger:  logger.Named("ratelimit"),
		local:   make(map[string]*rate.Limiter),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// TryAcquire attempts to consume cost tokens from the provider's shared
// bucket. It never waits: on denial the decision carries the refill delay
// and on store failure the error is domain.ErrStoreUnavailable, which the
// caller must treat as a denial.
func (l *Limiter) TryAcquire(ctx context.Context, providerID string, cost int) (domain.RateLimitDecision, error) {
	if cost <= 0 {
		cost = 1
	}

	if l.cfg.LocalFastPath {
		if decision, denied := l.checkLocal(providerID, cost); denied {
			l.count(providerID, "denied_local")
			return decision, nil
		}
	}

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{keyPrefix + providerID},
		l.cfg.Capacity,
		l.cfg.RefillRate,
		cost,
		l.now().UnixMilli(),
		l.ttl.Milliseconds(),
	).Result()
	if err != nil {
		l.logger.Warn("rate limit store unreachable, denying fail-closed",
			zap.String("provider", providerID),
			zap.Error(err),
		)
		l.count(providerID, "store_error")
		return domain.RateLimitDecision{}, domain.ErrStoreUnavailable
	}

	granted, retryAfter, err := parseScriptReply(res)
	if err != nil {
		l.logger.Error("unexpected rate limit script reply",
			zap.String("provider", providerID),
			zap.Error(err),
		)
		l.count(providerID, "store_error")
		return domain.RateLimitDecision{}, domain.ErrStoreUnavailable
	}

	if granted {
		l.count(providerID, "granted")
		return domain.RateLimitDecision{Granted: true}, nil
	}
	l.count(providerID, "denied")
	return domain.RateLimitDecision{Granted: false, RetryAfter: retryAfter}, nil
}

// checkLocal consults the replica-local bucket. It returns a denial decision
// and true when the local layer denies; a local grant is advisory only and
// the shared store remains the authority.
func (l *Limiter) checkLocal(providerID string, cost int) (domain.RateLimitDecision, bool) {
	limiter := l.getOrCreateLocal(providerID)
	if limiter.AllowN(l.now(), cost) {
		return domain.RateLimitDecision{}, false
	}

	// Compute the retry delay without consuming tokens so denied requests
	// do not drain the bucket.
	res := limiter.ReserveN(l.now(), cost)
	delay := res.Delay()
	res.Cancel()
	if delay <= 0 {
		delay = time.Second
	}
	return domain.RateLimitDecision{Granted: false, RetryAfter: delay}, true
}

func (l *Limiter) getOrCreateLocal(providerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.local[providerID]
	if !ok {
		burst := int(math.Ceil(l.cfg.Capacity))
		limiter = rate.NewLimiter(rate.Limit(l.cfg.RefillRate), burst)
		l.local[providerID] = limiter
	}
	return limiter
}

// Ping reports whether the shared store is reachable.
func (l *Limiter) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return domain.ErrStoreUnavailable
	}
	return nil
}

// Close releases the Redis connection pool.
func (l *Limiter) Close() error {
	return l.client.Close()
}

func (l *Limiter) count(providerID, decision string) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordCounter("rate_limit_decisions_total", 1, map[string]string{
		"provider": providerID,
		"decision": decision,
	})
}

// parseScriptReply decodes the {granted, retry_ms} pair returned by the
// bucket script.
func parseScriptReply(res any) (bool, time.Duration, error) {
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return false, 0, errors.New("ratelimit: malformed script reply")
	}

	granted, ok := reply[0].(int64)
	if !ok {
		return false, 0, errors.New("ratelimit: malformed grant flag")
	}

	retryMS, ok := reply[1].(int64)
	if !ok {
		return false, 0, errors.New("ratelimit: malformed retry delay")
	}

	if granted == 1 {
		return true, 0, nil
	}
	return false, time.Duration(retryMS) * time.Millisecond, nil
}
