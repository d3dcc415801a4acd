package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ahrav/go-arbiter/internal/domain"
)

var validate = validator.New()

// evaluationResponse is the success envelope for POST /evaluate.
type evaluationResponse struct {
	RequestID      string             `json:"request_id"`
	Score          float64            `json:"score"`
	Explanation    string             `json:"explanation"`
	Confidence     *float64           `json:"confidence,omitempty"`
	CriteriaScores map[string]float64 `json:"criteria_scores,omitempty"`
	Provider       string             `json:"provider"`
	LatencyMS      int64              `json:"latency_ms"`
	TokensIn       int                `json:"tokens_in"`
	TokensOut      int                `json:"tokens_out"`
	Attempts       []attemptView      `json:"attempts,omitempty"`
}

// attemptView is the client-facing shape of one fallback step.
type attemptView struct {
	Provider string `json:"provider"`
	Outcome  string `json:"outcome"`
}

// errorResponse is the failure envelope for every non-2xx body.
type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	// RetryAfterMS hints when a retry may succeed. Only set on 503.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req domain.EvaluationRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, errorResponse{
				ErrorCode: "payload_too_large",
				Message:   "request body exceeds the payload limit",
			})
			return
		}
		writeError(w, http.StatusBadRequest, errorResponse{
			ErrorCode: "malformed_request",
			Message:   "request body is not valid JSON: " + err.Error(),
		})
		return
	}

	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{
			ErrorCode: "validation_failed",
			Message:   validationMessage(err),
		})
		return
	}

	result, err := s.engine.Evaluate(ctx, req)
	if err != nil {
		s.writeEvaluateError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toResponse(result))
}

func (s *Server) writeEvaluateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidationError(err):
		writeError(w, http.StatusBadRequest, errorResponse{
			ErrorCode: "validation_failed",
			Message:   err.Error(),
		})
	case errors.Is(err, domain.ErrAllProvidersUnavailable):
		s.logger.Warn("evaluation exhausted all providers",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode:    "all_providers_unavailable",
			Message:      err.Error(),
			RetryAfterMS: (5 * time.Second).Milliseconds(),
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, errorResponse{
			ErrorCode: "evaluation_timeout",
			Message:   "evaluation did not complete within the request deadline",
		})
	case errors.Is(err, context.Canceled):
		// The client went away; the response is best-effort.
		writeError(w, 499, errorResponse{
			ErrorCode: "client_closed_request",
			Message:   "request cancelled",
		})
	default:
		s.logger.Error("evaluation failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{
			ErrorCode: "internal_error",
			Message:   "evaluation failed",
		})
	}
}

// handleHealth is the liveness probe. It reports process health only and
// stays green while dependencies are down; readiness covers those.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is the readiness probe. It fails while the rate-limit store
// is unreachable so the load balancer drains traffic from this replica.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.engine.Ready(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode: "not_ready",
			Message:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func toResponse(result *domain.EvaluationResult) evaluationResponse {
	resp := evaluationResponse{
		RequestID:      result.RequestID,
		Score:          result.Verdict.Score,
		Explanation:    result.Verdict.Explanation,
		Confidence:     result.Verdict.Confidence,
		CriteriaScores: result.Verdict.CriteriaScores,
		Provider:       result.Provider,
		LatencyMS:      result.Latency.Milliseconds(),
		TokensIn:       result.TokensIn,
		TokensOut:      result.TokensOut,
	}
	for _, a := range result.Attempts {
		resp.Attempts = append(resp.Attempts, attemptView{
			Provider: a.Provider,
			Outcome:  string(a.Outcome),
		})
	}
	return resp
}

// validationMessage flattens validator errors into a single client-facing
// line naming every offending field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	writeJSON(w, status, body)
}
