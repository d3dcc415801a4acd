package llm

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-arbiter/internal/domain"
	"github.com/ahrav/go-arbiter/internal/ports"
)

// timeoutInvoker enforces a per-request deadline independent of any pool
// wait time the caller already spent.
type timeoutInvoker struct {
	next    Invoker
	timeout time.Duration
}

// TimeoutMiddleware creates middleware that bounds each provider call.
// A zero timeout disables the bound.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return &timeoutInvoker{next: next, timeout: timeout}
	}
}

// Invoke executes the request under a deadline.
func (t *timeoutInvoker) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.next.Invoke(ctx, req)
}

// Descriptor returns the wrapped adapter's descriptor.
func (t *timeoutInvoker) Descriptor() domain.ProviderDescriptor { return t.next.Descriptor() }

// metricsInvoker records latency, request counts, and token usage per
// provider call.
type metricsInvoker struct {
	next      Invoker
	collector ports.MetricsCollector
}

// MetricsMiddleware creates middleware that collects per-call metrics.
func MetricsMiddleware(collector ports.MetricsCollector) Middleware {
	return func(next Invoker) Invoker {
		return &metricsInvoker{next: next, collector: collector}
	}
}

// Invoke executes the request and records its outcome.
func (m *metricsInvoker) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	start := time.Now()
	resp, err := m.next.Invoke(ctx, req)

	desc := m.next.Descriptor()
	labels := map[string]string{
		"provider": desc.ID,
		"model":    desc.Model,
		"status":   statusLabel(ctx, err),
	}

	if m.collector != nil {
		m.collector.RecordHistogram("llm_latency_seconds", time.Since(start).Seconds(), labels)
		m.collector.RecordCounter("llm_requests_total", 1, labels)

		if err == nil {
			labels["token_type"] = "input"
			m.collector.RecordCounter("llm_tokens_total", float64(resp.TokensIn), labels)
			labels["token_type"] = "output"
			m.collector.RecordCounter("llm_tokens_total", float64(resp.TokensOut), labels)
		}
	}

	return resp, err
}

// Descriptor returns the wrapped adapter's descriptor.
func (m *metricsInvoker) Descriptor() domain.ProviderDescriptor { return m.next.Descriptor() }

func statusLabel(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// tracingInvoker emits an OpenTelemetry span per provider call.
type tracingInvoker struct {
	next   Invoker
	tracer trace.Tracer
}

// TracingMiddleware creates middleware that wraps each provider call in a
// span carrying provider and model attributes.
func TracingMiddleware() Middleware {
	tracer := otel.Tracer("llm-invoker")
	return func(next Invoker) Invoker {
		return &tracingInvoker{next: next, tracer: tracer}
	}
}

// Invoke executes the request inside a span.
func (t *tracingInvoker) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	desc := t.next.Descriptor()
	ctx, span := t.tracer.Start(ctx, "llm.invoke",
		trace.WithAttributes(
			attribute.String("llm.provider", desc.ID),
			attribute.String("llm.model", desc.Model),
		),
	)
	defer span.End()

	resp, err := t.next.Invoke(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.tokens_in", resp.TokensIn),
		attribute.Int("llm.tokens_out", resp.TokensOut),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// Descriptor returns the wrapped adapter's descriptor.
func (t *tracingInvoker) Descriptor() domain.ProviderDescriptor { return t.next.Descriptor() }
