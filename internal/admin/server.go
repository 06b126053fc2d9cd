// Package admin serves the worker's health probes, stream and metrics
// views, and the dead-letter administration endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
	"github.com/SirClappington/enqworker/internal/dlq"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// StatusSource is what the server needs from a running worker.
type StatusSource interface {
	StreamInfo(ctx context.Context) (bus.StreamInfo, error)
	Ready(ctx context.Context) error
}

type Server struct {
	status  StatusSource
	dlq     *dlq.Manager
	metrics http.Handler
	logger  *zap.Logger
}

type Option func(*Server)

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// New builds a server. A nil manager leaves the /admin/dlq routes unmounted.
func New(status StatusSource, manager *dlq.Manager, opts ...Option) *Server {
	s := &Server{status: status, dlq: manager, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(zap.String("component", "admin"))
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Get("/ready", s.ready)
	r.Get("/readyz", s.ready)
	r.Get("/stream/info", s.streamInfo)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	if s.dlq != nil {
		r.Route("/admin/dlq", func(r chi.Router) {
			r.Get("/stats", s.dlqStats)
			r.Get("/entries", s.dlqList)
			r.Get("/entries/{id}", s.dlqGet)
			r.Delete("/entries/{id}", s.dlqDelete)
			r.Post("/reprocess/{id}", s.dlqReprocess)
			r.Delete("/purge", s.dlqPurge)
		})
	}
	return r
}

// ListenAndServe serves until ctx is cancelled and then shuts down,
// giving open requests five seconds to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("admin server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.status.Ready(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) streamInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.status.StreamInfo(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) dlqStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.dlq.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type listResponse struct {
	Entries    []dlq.Entry `json:"entries"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (s *Server) dlqList(w http.ResponseWriter, r *http.Request) {
	count := defaultPageSize
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, maxPageSize)
	}
	entries, next, err := s.dlq.List(r.Context(), count, r.URL.Query().Get("cursor"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Entries: entries, NextCursor: next})
}

func (s *Server) dlqGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.dlq.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) dlqDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.dlq.Delete(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "dlq entry "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "dlq_id": id})
}

func (s *Server) dlqReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := s.dlq.Reprocess(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dlq_id": id, "new_id": newID})
}

func (s *Server) dlqPurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.dlq.Purge(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, bus.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("admin request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
