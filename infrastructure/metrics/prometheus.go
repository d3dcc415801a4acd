// Package metrics implements the ports.MetricsCollector interface using
// Prometheus, exposing gateway, rate-limiter, breaker, pool, and provider
// metrics for the deployment's scrape annotations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-arbiter/internal/ports"
)

// PrometheusMetrics registers and serves every gateway metric in the global
// Prometheus registry.
type PrometheusMetrics struct {
	evaluationsTotal    *prometheus.CounterVec
	evaluationDuration  *prometheus.HistogramVec
	rateLimitDecisions  *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	llmRequests         *prometheus.CounterVec
	llmLatency          *prometheus.HistogramVec
	llmTokens           *prometheus.CounterVec
	poolInFlight        *prometheus.GaugeVec
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collector and registers all metrics.
// Call it once per process; promauto panics on duplicate registration.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		evaluationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluations_total",
				Help: "Total evaluation requests processed, by provider and outcome.",
			},
			[]string{"provider", "status"},
		),
		evaluationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evaluation_duration_seconds",
				Help:    "End-to-end evaluation latency including skipped candidates.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		rateLimitDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Token bucket acquisition decisions, by provider.",
			},
			[]string{"provider", "decision"},
		),
		breakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_transitions_total",
				Help: "Circuit breaker state transitions, by provider and target state.",
			},
			[]string{"provider", "to"},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breaker_state",
				Help: "Current breaker state per provider (0=closed, 1=open, 2=half_open).",
			},
			[]string{"provider"},
		),
		llmRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Outbound provider calls, by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),
		llmLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_latency_seconds",
				Help:    "Outbound provider call latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model", "status"},
		),
		llmTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Provider token usage, by direction.",
			},
			[]string{"provider", "model", "token_type"},
		),
		poolInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_in_flight",
				Help: "In-flight requests holding a pool slot, by provider.",
			},
			[]string{"provider"},
		),
		httpRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests served, by route and status code.",
			},
			[]string{"route", "code"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// RecordLatency implements ports.MetricsCollector for duration metrics.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	switch operation {
	case "evaluation":
		pm.evaluationDuration.WithLabelValues(labels["provider"]).Observe(duration.Seconds())
	case "http_request":
		pm.httpRequestDuration.WithLabelValues(labels["route"]).Observe(duration.Seconds())
	}
}

// RecordCounter implements ports.MetricsCollector for counter metrics.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	switch metric {
	case "evaluations_total":
		pm.evaluationsTotal.WithLabelValues(labels["provider"], labels["status"]).Add(value)
	case "rate_limit_decisions_total":
		pm.rateLimitDecisions.WithLabelValues(labels["provider"], labels["decision"]).Add(value)
	case "breaker_transitions_total":
		pm.breakerTransitions.WithLabelValues(labels["provider"], labels["to"]).Add(value)
	case "llm_requests_total":
		pm.llmRequests.WithLabelValues(labels["provider"], labels["model"], labels["status"]).Add(value)
	case "llm_tokens_total":
		pm.llmTokens.WithLabelValues(labels["provider"], labels["model"], labels["token_type"]).Add(value)
	case "http_requests_total":
		pm.httpRequests.WithLabelValues(labels["route"], labels["code"]).Add(value)
	}
}

// RecordGauge implements ports.MetricsCollector for gauge metrics.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, labels map[string]string) {
	switch metric {
	case "breaker_state":
		pm.breakerState.WithLabelValues(labels["provider"]).Set(value)
	case "pool_in_flight":
		pm.poolInFlight.WithLabelValues(labels["provider"]).Set(value)
	}
}

// RecordHistogram implements ports.MetricsCollector for histogram metrics.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	switch metric {
	case "llm_latency_seconds":
		pm.llmLatency.WithLabelValues(labels["provider"], labels["model"], labels["status"]).Observe(value)
	case "evaluation_duration_seconds":
		pm.evaluationDuration.WithLabelValues(labels["provider"]).Observe(value)
	}
}
