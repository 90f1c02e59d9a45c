// Package api exposes the HTTP interface for the research pipeline.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/archivegrove/sourcepipe/internal/research"
	"github.com/archivegrove/sourcepipe/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Service
	logger    *zap.Logger
}

// Options customize server construction.
type Options struct {
	// APIKey, when non-empty, requires X-API-Key on every request.
	APIKey string
	// Gatherer backs /metrics; defaults to the global Prometheus gatherer.
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds handler execution (default 60s).
	RequestTimeout time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Service, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		scheduler: sched,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))
	if opts.APIKey != "" {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/research", func(r chi.Router) {
			r.Post("/", s.submitQuery)
			r.Get("/", s.listQueries)
			r.Route("/{query_id}", func(r chi.Router) {
				r.Get("/status", s.getStatus)
				r.Get("/result", s.getResult)
				r.Post("/cancel", s.cancelQuery)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Query       string   `json:"query"`
	PeriodStart string   `json:"time_period_start"`
	PeriodEnd   string   `json:"time_period_end"`
	Region      string   `json:"geographical_region"`
	SourceTypes []string `json:"source_types"`
	Languages   []string `json:"languages"`
	MaxSources  int      `json:"max_sources"`
}

func (s *Server) submitQuery(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query text is required")
		return
	}
	sourceTypes := make([]research.SourceType, 0, len(req.SourceTypes))
	for _, st := range req.SourceTypes {
		sourceTypes = append(sourceTypes, research.SourceType(st))
	}
	id, err := s.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		Text:        req.Query,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		Region:      req.Region,
		SourceTypes: sourceTypes,
		Languages:   req.Languages,
		MaxSources:  req.MaxSources,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"query_id": id})
}

func (s *Server) listQueries(w http.ResponseWriter, r *http.Request) {
	filter := scheduler.ListFilter{
		Stage:  research.Stage(r.URL.Query().Get("stage")),
		Limit:  intQueryParam(r, "limit"),
		Offset: intQueryParam(r, "offset"),
	}
	states, err := s.scheduler.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list queries")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queries": states})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	state, err := s.scheduler.Status(r.Context(), queryID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	artifact, err := s.scheduler.Result(r.Context(), queryID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) cancelQuery(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	if err := s.scheduler.Cancel(r.Context(), queryID); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"query_id": queryID,
		"status":   "cancel_requested",
	})
}

// writeSchedulerError maps scheduler errors onto HTTP statuses: unknown IDs
// are 404, results polled too early are 409, failed queries are 422 with the
// failure reason.
func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	var failed *scheduler.FailedError
	switch {
	case errors.Is(err, research.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "query not found")
	case errors.Is(err, research.ErrNotReady):
		s.writeError(w, http.StatusConflict, "result not ready")
	case errors.As(err, &failed):
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":          "query failed",
			"failure_reason": failed.Reason,
		})
	default:
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intQueryParam(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
