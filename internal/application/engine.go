package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ahrav/go-arbiter/internal/domain"
	"github.com/ahrav/go-arbiter/internal/ports"
)

// Judge request defaults, matching the evaluation workload: a hard output
// cap and a low temperature for consistent verdicts.
const (
	defaultJudgeMaxTokens   = 1000
	defaultJudgeTemperature = 0.1
)

// Options tunes engine behavior.
type Options struct {
	// JudgeMaxTokens caps the judge completion length.
	JudgeMaxTokens int
	// JudgeTemperature is the sampling temperature for judge calls.
	JudgeTemperature float64
	// TokenCost is the number of rate-limit tokens one evaluation consumes.
	TokenCost int
}

// Engine orchestrates a single evaluation: candidate ordering, breaker and
// rate-limit gating, the provider call, and scoring. Per-candidate failures
// are recovered locally by advancing to the next candidate; only total
// exhaustion surfaces to the caller.
type Engine struct {
	pool     ports.ProviderPool
	limiter  ports.RateLimiter
	breakers ports.BreakerRegistry
	scorer   *Scorer
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	opts     Options
}

// NewEngine wires the engine from its ports. Zero option fields fall back
// to defaults.
func NewEngine(
	pool ports.ProviderPool,
	limiter ports.RateLimiter,
	breakers ports.BreakerRegistry,
	scorer *Scorer,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if opts.JudgeMaxTokens <= 0 {
		opts.JudgeMaxTokens = defaultJudgeMaxTokens
	}
	if opts.JudgeTemperature <= 0 {
		opts.JudgeTemperature = defaultJudgeTemperature
	}
	if opts.TokenCost <= 0 {
		opts.TokenCost = 1
	}

	return &Engine{
		pool:     pool,
		limiter:  limiter,
		breakers: breakers,
		scorer:   scorer,
		metrics:  metrics,
		logger:   logger.Named("engine"),
		opts:     opts,
	}
}

// ExhaustedError reports that every candidate was tried and none served the
// request. It carries the per-candidate attempt log so callers can see
// which providers were skipped and why.
type ExhaustedError struct {
	Attempts []domain.Attempt
}

// Error satisfies the error interface.
func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Provider, a.Outcome))
	}
	return fmt.Sprintf("all providers unavailable [%s]", strings.Join(parts, " "))
}

// Unwrap maps the error onto the taxonomy sentinel.
func (e *ExhaustedError) Unwrap() error { return domain.ErrAllProvidersUnavailable }

// Evaluate runs one request through the fallback loop. Candidates are
// tried strictly in order; a candidate is never retried within the same
// request and the loop never waits for rate-limit tokens to refill. The
// request's context deadline aborts the loop, cancelling any in-flight
// provider call.
func (e *Engine) Evaluate(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	start := time.Now()
	prompt := e.scorer.BuildPrompt(req.Payload, req.Criteria)
	temp := e.opts.JudgeTemperature
	providerReq := domain.ProviderRequest{
		Prompt:      prompt,
		System:      e.scorer.SystemPrompt(),
		MaxTokens:   e.opts.JudgeMaxTokens,
		Temperature: &temp,
	}

	var attempts []domain.Attempt
	for _, candidate := range e.candidates(req.ProviderPreference) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt, resp := e.tryCandidate(ctx, candidate, providerReq)
		attempts = append(attempts, attempt)

		if attempt.Outcome != domain.AttemptSuccess {
			// Caller cancellation is not a candidate failure; abort the
			// whole loop instead of burning the remaining candidates.
			if ctx.Err() != nil && attempt.Err != nil && errors.Is(attempt.Err, ctx.Err()) {
				return nil, ctx.Err()
			}
			e.logger.Debug("candidate skipped",
				zap.String("request_id", req.ID),
				zap.String("provider", candidate),
				zap.String("outcome", string(attempt.Outcome)),
				zap.Error(attempt.Err),
			)
			continue
		}

		verdict := e.scorer.Score(resp.Text, req.Payload)
		result := &domain.EvaluationResult{
			RequestID: req.ID,
			Verdict:   verdict,
			Provider:  candidate,
			Latency:   time.Since(start),
			TokensIn:  resp.TokensIn,
			TokensOut: resp.TokensOut,
			Attempts:  attempts,
		}

		e.observe(candidate, "success", result.Latency)
		e.logger.Info("evaluation complete",
			zap.String("request_id", req.ID),
			zap.String("provider", candidate),
			zap.Float64("score", verdict.Score),
			zap.Duration("latency", result.Latency),
			zap.Int("candidates_tried", len(attempts)),
		)
		return result, nil
	}

	e.observe("none", "unavailable", time.Since(start))
	e.logger.Warn("all providers exhausted",
		zap.String("request_id", req.ID),
		zap.Int("candidates_tried", len(attempts)),
	)
	return nil, &ExhaustedError{Attempts: attempts}
}

// tryCandidate runs the gating sequence for one provider: breaker check,
// token acquisition, then the pooled call. Exactly one breaker outcome is
// recorded per outbound call; breaker-open skips, rate-limit denials, store
// failures, and pool timeouts record none because no call reached the
// provider. Those skips still release the admission back to the breaker so
// a half-open probe slot is never stranded.
func (e *Engine) tryCandidate(
	ctx context.Context,
	providerID string,
	req domain.ProviderRequest,
) (domain.Attempt, *domain.ProviderResponse) {
	if !e.breakers.Allow(providerID) {
		return domain.Attempt{
			Provider: providerID,
			Outcome:  domain.AttemptBreakerOpen,
			Err:      domain.ErrProviderUnavailable,
		}, nil
	}

	decision, err := e.limiter.TryAcquire(ctx, providerID, e.opts.TokenCost)
	if err != nil {
		// Store failures deny fail-closed and are never charged to the
		// provider's breaker; a shared-infrastructure outage must not trip
		// every breaker at once.
		e.breakers.ReleaseProbe(providerID)
		return domain.Attempt{
			Provider: providerID,
			Outcome:  domain.AttemptStoreUnavailable,
			Err:      err,
		}, nil
	}
	if !decision.Granted {
		e.breakers.ReleaseProbe(providerID)
		return domain.Attempt{
			Provider: providerID,
			Outcome:  domain.AttemptRateLimited,
			Err:      fmt.Errorf("%w: retry after %s", domain.ErrRateLimited, decision.RetryAfter),
		}, nil
	}

	resp, err := e.pool.Invoke(ctx, providerID, req)
	if err != nil {
		if errors.Is(err, domain.ErrPoolTimeout) {
			e.breakers.ReleaseProbe(providerID)
			return domain.Attempt{
				Provider: providerID,
				Outcome:  domain.AttemptPoolTimeout,
				Err:      err,
			}, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// Cancelled by the caller's own deadline, not a provider fault.
			e.breakers.ReleaseProbe(providerID)
			return domain.Attempt{
				Provider: providerID,
				Outcome:  domain.AttemptProviderError,
				Err:      err,
			}, nil
		}

		e.breakers.RecordOutcome(providerID, false)
		return domain.Attempt{
			Provider: providerID,
			Outcome:  domain.AttemptProviderError,
			Err:      err,
		}, nil
	}

	e.breakers.RecordOutcome(providerID, true)
	return domain.Attempt{Provider: providerID, Outcome: domain.AttemptSuccess}, resp
}

// candidates resolves the ordered candidate list: the request preference
// filtered to known providers, or the pool's static priority order.
func (e *Engine) candidates(preference []string) []string {
	descs := e.pool.Descriptors()
	known := make(map[string]bool, len(descs))
	for _, d := range descs {
		known[d.ID] = true
	}

	if len(preference) > 0 {
		out := make([]string, 0, len(preference))
		for _, id := range preference {
			if known[id] {
				out = append(out, id)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.ID)
	}
	return out
}

// Ready reports whether the engine's hard dependency, the rate-limit
// store, is reachable. The readiness probe exposes this signal.
func (e *Engine) Ready(ctx context.Context) error {
	return e.limiter.Ping(ctx)
}

func (e *Engine) observe(provider, status string, latency time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordCounter("evaluations_total", 1, map[string]string{
		"provider": provider,
		"status":   status,
	})
	e.metrics.RecordLatency("evaluation", latency, map[string]string{
		"provider": provider,
	})
}
