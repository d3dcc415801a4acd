// Package server exposes the evaluation gateway over HTTP: the evaluate
// endpoint, liveness and readiness probes, and the Prometheus scrape
// endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ahrav/go-arbiter/internal/domain"
	"github.com/ahrav/go-arbiter/internal/ports"
)

// Evaluator is the application surface the HTTP layer depends on.
type Evaluator interface {
	// Evaluate runs one request through the fallback loop.
	Evaluate(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResult, error)
	// Ready reports whether the engine's hard dependencies are reachable.
	Ready(ctx context.Context) error
}

// Options configures the HTTP server.
type Options struct {
	// Port is the listen port.
	Port int
	// MaxBodyBytes caps the request body size. Zero applies the 2 MiB
	// default.
	MaxBodyBytes int64
	// RequestTimeout bounds a single evaluation request end to end.
	RequestTimeout time.Duration
	// Metrics receives HTTP metrics. Optional.
	Metrics ports.MetricsCollector
}

const defaultMaxBodyBytes = 2 << 20

// Server is the gateway HTTP server.
type Server struct {
	httpServer *http.Server
	engine     Evaluator
	opts       Options
	logger     *zap.Logger
}

// New builds the server and its route tree.
func New(engine Evaluator, opts Options, logger *zap.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}

	s := &Server{
		engine: engine,
		opts:   opts,
		logger: logger.Named("http"),
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout exceeds the evaluation budget so slow judge calls
		// fail through the engine's own deadline, not a truncated response.
		WriteTimeout: opts.RequestTimeout + 10*time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.observeRequests)

	r.Post("/evaluate", s.handleEvaluate)
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.httpServer.Shutdown(ctx)
}
