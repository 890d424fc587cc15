// Package api exposes the HTTP interface for the monitoring service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/metrics"
	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/progress"
	"github.com/JakeFAU/meerkat/internal/queue"
)

const defaultRequestTimeout = 60 * time.Second

// Submitter enqueues pipeline runs.
type Submitter interface {
	Submit(ctx context.Context, targetID int64, force bool) (queue.Item, error)
}

// ProgressReader returns the live progress of a target.
type ProgressReader interface {
	Get(ctx context.Context, targetID int64) (progress.Status, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Targets   monitor.TargetStore
	Scans     monitor.ScanStore
	Submitter Submitter
	Progress  ProgressReader
	Clock     monitor.Clock
	Logger    *zap.Logger
}

// Config tunes the HTTP layer.
type Config struct {
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the stores and the dispatcher.
type Server struct {
	router   chi.Router
	targets  monitor.TargetStore
	submit   Submitter
	clock    monitor.Clock
	logger   *zap.Logger
	progress *ProgressHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		targets:  deps.Targets,
		submit:   deps.Submitter,
		clock:    deps.Clock,
		logger:   logger,
		progress: NewProgressHandler(deps.Scans, deps.Progress, logger),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(otelhttp.NewMiddleware("meerkat.api"))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			r.Post("/", s.createTarget)
			r.Route("/{target_id}", func(r chi.Router) {
				r.Get("/", s.getTarget)
				r.Post("/status", s.setTargetStatus)
				r.Post("/scan", s.scanTarget)
				r.Get("/progress", s.progress.GetProgress)
				r.Get("/scans", s.progress.ListScans)
			})
		})
		r.Get("/scans/{scan_id}", s.progress.GetScan)
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

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.targets.ListTargets(r.Context())
	if err != nil {
		s.logger.Error("list targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	if targets == nil {
		targets = []monitor.Target{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := monitor.Target{
		Name:            strings.TrimSpace(req.Name),
		URL:             strings.TrimSpace(req.URL),
		IntervalMinutes: valueOrDefault(req.IntervalMinutes, monitor.DefaultIntervalMinutes),
		Status:          monitor.TargetStatus(valueOrDefault(req.Status, string(monitor.TargetActive))),
		CreatedAt:       s.clock.Now().UTC(),
	}
	if err := target.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.targets.CreateTarget(r.Context(), target)
	if err != nil {
		s.logger.Error("create target failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create target")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"target": created})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	target, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target})
}

func (s *Server) setTargetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status := monitor.TargetStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be active or paused")
		return
	}
	target, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	target.Status = status
	if err := s.targets.SaveTarget(r.Context(), target); err != nil {
		s.logger.Error("save target failed", zap.Int64("target_id", target.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target})
}

func (s *Server) scanTarget(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid force flag")
			return
		}
		force = parsed
	}
	target, ok := s.loadTarget(w, r)
	if !ok {
		return
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	item, err := s.submit.Submit(queueCtx, target.ID, force)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		case errors.Is(err, queue.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("enqueue scan failed", zap.Int64("target_id", target.ID), zap.Error(err))
		writeError(w, status, "failed to enqueue scan")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"item_id":   item.ID,
		"target_id": target.ID,
		"force":     item.Force,
	})
}

func (s *Server) loadTarget(w http.ResponseWriter, r *http.Request) (monitor.Target, bool) {
	id, err := parseID(r, "target_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return monitor.Target{}, false
	}
	target, err := s.targets.GetTarget(r.Context(), id)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return monitor.Target{}, false
		}
		s.logger.Error("get target failed", zap.Int64("target_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return monitor.Target{}, false
	}
	return target, true
}

type createTargetRequest struct {
	Name            string  `json:"name"`
	URL             string  `json:"url"`
	IntervalMinutes *int    `json:"interval_minutes"`
	Status          *string `json:"status"`
}

type statusRequest struct {
	Status string `json:"status"`
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func parseID(r *http.Request, param string) (int64, error) {
	raw := chi.URLParam(r, param)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", param)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", param)
	}
	return id, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
				zap.String("request_id", RequestID(r.Context())),
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
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
