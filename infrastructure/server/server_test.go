package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrav/go-arbiter/internal/domain"
)

type fakeEngine struct {
	evaluate func(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResult, error)
	readyErr error
}

func (f *fakeEngine) Evaluate(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResult, error) {
	if f.evaluate != nil {
		return f.evaluate(ctx, req)
	}
	return successResult(req), nil
}

func (f *fakeEngine) Ready(context.Context) error { return f.readyErr }

func successResult(req domain.EvaluationRequest) *domain.EvaluationResult {
	conf := 0.9
	return &domain.EvaluationResult{
		RequestID: req.ID,
		Verdict: domain.Verdict{
			Score:       0.85,
			Explanation: "well supported",
			Confidence:  &conf,
		},
		Provider:  "openai",
		Latency:   420 * time.Millisecond,
		TokensIn:  100,
		TokensOut: 30,
		Attempts: []domain.Attempt{
			{Provider: "anthropic", Outcome: domain.AttemptBreakerOpen},
			{Provider: "openai", Outcome: domain.AttemptSuccess},
		},
	}
}

func newTestServer(engine Evaluator, opts Options) *Server {
	return New(engine, opts, zap.NewNop())
}

func validBody() string {
	return `{"id": "req-1", "payload": {"input": "question", "output": "answer"}, "criteria": "accuracy"}`
}

func postEvaluate(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestEvaluateSuccess(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})

	rec := postEvaluate(t, srv, validBody())
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var resp evaluationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.InDelta(t, 0.85, resp.Score, 1e-9)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, int64(420), resp.LatencyMS)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "breaker_open", resp.Attempts[0].Outcome)
}

func TestEvaluateRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})

	rec := postEvaluate(t, srv, `{"payload": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "malformed_request", resp.ErrorCode)
}

func TestEvaluateRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})

	rec := postEvaluate(t, srv, `{"payload": {"input": "a", "output": "b"}, "criteria": "c", "bogus": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code,
		"unknown top-level fields must be rejected, not silently dropped")
}

func TestEvaluateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing criteria", body: `{"payload": {"input": "a", "output": "b"}}`},
		{name: "missing output", body: `{"payload": {"input": "a"}, "criteria": "c"}`},
		{name: "missing input", body: `{"payload": {"output": "b"}, "criteria": "c"}`},
		{name: "empty criteria", body: `{"payload": {"input": "a", "output": "b"}, "criteria": ""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeEngine{}, Options{})
			rec := postEvaluate(t, srv, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "validation_failed", resp.ErrorCode)
		})
	}
}

func TestEvaluateRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{MaxBodyBytes: 256})

	big := bytes.Repeat([]byte("x"), 512)
	body := `{"payload": {"input": "` + string(big) + `", "output": "b"}, "criteria": "c"}`

	rec := postEvaluate(t, srv, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "payload_too_large", resp.ErrorCode)
}

func TestEvaluateMapsExhaustionTo503(t *testing.T) {
	engine := &fakeEngine{
		evaluate: func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResult, error) {
			return nil, &exhaustedStub{}
		},
	}
	srv := newTestServer(engine, Options{})

	rec := postEvaluate(t, srv, validBody())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "all_providers_unavailable", resp.ErrorCode)
	assert.Greater(t, resp.RetryAfterMS, int64(0), "exhaustion must hint a retry delay")
}

// exhaustedStub mimics the engine's terminal error without importing the
// application package.
type exhaustedStub struct{}

func (e *exhaustedStub) Error() string { return "all providers unavailable" }
func (e *exhaustedStub) Unwrap() error { return domain.ErrAllProvidersUnavailable }

func TestEvaluateMapsDeadlineTo504(t *testing.T) {
	engine := &fakeEngine{
		evaluate: func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResult, error) {
			return nil, context.DeadlineExceeded
		},
	}
	srv := newTestServer(engine, Options{})

	rec := postEvaluate(t, srv, validBody())
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestEvaluateMapsUnknownErrorTo500(t *testing.T) {
	engine := &fakeEngine{
		evaluate: func(context.Context, domain.EvaluationRequest) (*domain.EvaluationResult, error) {
			return nil, assert.AnError
		},
	}
	srv := newTestServer(engine, Options{})

	rec := postEvaluate(t, srv, validBody())
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal_error", resp.ErrorCode)
	assert.NotContains(t, resp.Message, assert.AnError.Error(),
		"internal error details must not leak to clients")
}

func TestHealthAlwaysOK(t *testing.T) {
	// Liveness must stay green even while dependencies are down.
	srv := newTestServer(&fakeEngine{readyErr: domain.ErrStoreUnavailable}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsDependencies(t *testing.T) {
	srv := newTestServer(&fakeEngine{readyErr: domain.ErrStoreUnavailable}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv = newTestServer(&fakeEngine{}, Options{})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines",
		"the Prometheus handler should expose runtime collectors")
}

// recordingMetrics captures counter labels so tests can assert on the
// metric series a request produces.
type recordingMetrics struct {
	routes []string
}

func (m *recordingMetrics) RecordLatency(string, time.Duration, map[string]string) {}

func (m *recordingMetrics) RecordCounter(metric string, _ float64, labels map[string]string) {
	if metric == "http_requests_total" {
		m.routes = append(m.routes, labels["route"])
	}
}

func (m *recordingMetrics) RecordGauge(string, float64, map[string]string)     {}
func (m *recordingMetrics) RecordHistogram(string, float64, map[string]string) {}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	metrics := &recordingMetrics{}
	srv := newTestServer(&fakeEngine{}, Options{Metrics: metrics})

	rec := postEvaluate(t, srv, validBody())
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, metrics.routes, 1)
	assert.Equal(t, "POST /evaluate", metrics.routes[0])
}

func TestUnmatchedPathsCollapseToOneRouteLabel(t *testing.T) {
	metrics := &recordingMetrics{}
	srv := newTestServer(&fakeEngine{}, Options{Metrics: metrics})

	for _, path := range []string{"/nope", "/v1/whatever/123", "/admin"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	require.Len(t, metrics.routes, 3)
	for _, route := range metrics.routes {
		assert.Equal(t, "GET unmatched", route,
			"arbitrary 404 paths must not mint new label values")
	}
}

func TestRequestTimeoutBoundsEvaluation(t *testing.T) {
	engine := &fakeEngine{
		evaluate: func(ctx context.Context, _ domain.EvaluationRequest) (*domain.EvaluationResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	srv := newTestServer(engine, Options{RequestTimeout: 50 * time.Millisecond})

	rec := postEvaluate(t, srv, validBody())
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code,
		"a judge call outlasting the request budget must map to 504")
}
