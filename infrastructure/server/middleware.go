package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// observeRequests records structured access logs and HTTP metrics for every
// route. The metrics endpoint itself is excluded to keep scrapes out of the
// request series.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", elapsed),
			zap.String("remote", r.RemoteAddr),
		)

		if s.opts.Metrics == nil {
			return
		}
		// Label by the matched route pattern, not the raw path: arbitrary
		// request paths would otherwise mint unbounded label values.
		pattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			pattern = rctx.RoutePattern()
		}
		if pattern == "" {
			pattern = "unmatched"
		}
		route := r.Method + " " + pattern
		s.opts.Metrics.RecordCounter("http_requests_total", 1, map[string]string{
			"route": route,
			"code":  strconv.Itoa(ww.Status()),
		})
		s.opts.Metrics.RecordLatency("http_request", elapsed, map[string]string{
			"route": route,
		})
	})
}
