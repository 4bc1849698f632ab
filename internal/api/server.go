package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/metrics"
	"github.com/ASUSFX80/Crawl-DB/internal/pipeline"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
	"github.com/ASUSFX80/Crawl-DB/internal/storage/sqlstore"
)

// Runner starts and stops background pipeline runs. *pipeline.Controller
// satisfies it.
type Runner interface {
	Start(req pipeline.Request) (string, error)
	Stop() error
	Snapshot() pipeline.Snapshot
}

// Checkpoints lists and rewinds checkpoints. *ledger.Ledger satisfies it.
type Checkpoints interface {
	List(ctx context.Context) ([]crawler.Checkpoint, error)
	Reset(ctx context.Context, key crawler.CheckpointKey) error
}

// HistoryReader reads the history table. *sqlstore.Store satisfies it.
type HistoryReader interface {
	ListHistory(ctx context.Context, filter sqlstore.HistoryFilter) ([]progress.Event, error)
}

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Nil collaborators make
// their routes answer 503.
type Deps struct {
	Runner      Runner
	Checkpoints Checkpoints
	History     HistoryReader
	Health      Pinger
	// Events feeds GET /v1/events; usually a stream sink on the history hub.
	Events <-chan progress.Event
	// Defaults fill the fields a POST /v1/runs body leaves out.
	Defaults pipeline.Request
	// APIKey, when set, is required on every /v1 route.
	APIKey string
	Logger *zap.Logger
}

// Server wires HTTP handlers to the pipeline controller and stores.
type Server struct {
	router  chi.Router
	deps    Deps
	logger  *zap.Logger
	timeout time.Duration
}

const requestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger, timeout: 3 * time.Second}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		// The event stream is long-lived and stays outside the timeout.
		r.Get("/events", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/checkpoints", s.listCheckpoints)
			r.Post("/checkpoints/{stage}/{scope}/reset", s.resetCheckpoint)
			r.Get("/history", s.listHistory)
			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.startRun)
				r.Get("/current", s.currentRun)
				r.Post("/current/stop", s.stopRun)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}
	var body runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	req, err := body.toRequest(s.deps.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := s.deps.Runner.Start(req)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("Start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}
	snap := s.deps.Runner.Snapshot()
	if snap.Report == nil && !snap.Running {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) stopRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}
	if err := s.deps.Runner.Stop(); err != nil {
		if errors.Is(err, pipeline.ErrNoActiveRun) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-s.deps.Events:
			if !ok {
				return
			}
			if err := enc.Encode(toEventDTO(evt)); err != nil {
				s.logger.Debug("Event stream closed by client", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// runRequest is the POST /v1/runs body. Omitted fields take the configured
// defaults.
type runRequest struct {
	Stages     []string `json:"stages"`
	Scopes     []string `json:"scopes"`
	SkipStages []string `json:"skip_stages"`
	Force      *bool    `json:"force"`
	Entity     *string  `json:"entity"`
	FetchMode  string   `json:"fetch_mode"`
}

func (b runRequest) toRequest(defaults pipeline.Request) (pipeline.Request, error) {
	req := defaults
	req.RunID = uuid.Nil
	if len(b.Stages) > 0 {
		stages, err := parseStages(b.Stages)
		if err != nil {
			return pipeline.Request{}, err
		}
		req.Stages = stages
	}
	if len(b.SkipStages) > 0 {
		stages, err := parseStages(b.SkipStages)
		if err != nil {
			return pipeline.Request{}, err
		}
		req.SkipStages = stages
	}
	if len(b.Scopes) > 0 {
		scopes := make([]crawler.Scope, 0, len(b.Scopes))
		for _, raw := range b.Scopes {
			scope, err := crawler.ParseScope(raw)
			if err != nil {
				return pipeline.Request{}, err
			}
			scopes = append(scopes, scope)
		}
		req.Scopes = scopes
	}
	req.Force = valueOrDefault(b.Force, defaults.Force)
	req.Entity = valueOrDefault(b.Entity, defaults.Entity)
	if b.FetchMode != "" {
		req.FetchMode = b.FetchMode
	}
	return req, nil
}

func parseStages(raw []string) ([]crawler.Stage, error) {
	out := make([]crawler.Stage, 0, len(raw))
	for _, name := range raw {
		stage, err := crawler.ParseStage(name)
		if err != nil {
			return nil, err
		}
		out = append(out, stage)
	}
	return out, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("Request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
