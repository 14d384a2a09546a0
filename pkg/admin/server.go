// Package admin serves the operational endpoints of the edge: health,
// readiness, Prometheus metrics and debugging views of variant paths and
// upstream breakers.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/polisai/polis-edge/pkg/background"
	"github.com/polisai/polis-edge/pkg/metrics"
	"github.com/polisai/polis-edge/pkg/upstream"
	"github.com/polisai/polis-edge/pkg/variants"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Server holds the admin routes.
type Server struct {
	metrics  *metrics.Metrics
	group    *background.Group
	checks   map[string]ReadyCheck
	breakers *upstream.Set
	ready    atomic.Bool
	started  time.Time
	logger   *slog.Logger
}

// NewServer builds the admin server. Readiness starts false.
func NewServer(m *metrics.Metrics, group *background.Group, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		metrics: m,
		group:   group,
		checks:  make(map[string]ReadyCheck),
		started: time.Now(),
		logger:  logger,
	}
}

// AddCheck registers a readiness check. Not safe once Router is serving.
func (s *Server) AddCheck(name string, check ReadyCheck) {
	s.checks[name] = check
}

// SetBreakers exposes the upstream circuit breakers on /debug/upstreams.
func (s *Server) SetBreakers(set *upstream.Set) {
	s.breakers = set
}

// SetReady flips the readiness flag.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router returns the admin handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/debug/variants/{segment}", s.handleDecodeVariants)
	r.Get("/debug/upstreams", s.handleUpstreams)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.group != nil {
		body["background_running"] = s.group.Running()
		body["background_failures"] = s.group.Failures()
	}
	s.respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "checks", failed)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleDecodeVariants(w http.ResponseWriter, r *http.Request) {
	selections, err := variants.Decode(chi.URLParam(r, "segment"))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"selections": selections})
}

func (s *Server) handleUpstreams(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]upstream.Stats{}
	if s.breakers != nil {
		stats = s.breakers.Stats()
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"upstreams": stats})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode admin response", "error", err)
	}
}
