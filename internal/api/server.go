// SPDX-License-Identifier: MIT

// Package api serves the kernel's observability surface: prometheus
// metrics, health and a JSON status snapshot. It exposes no control
// operations; the kernel is driven by configuration only.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/log"
	"github.com/quintael/microkern/internal/supervisor"
	"github.com/quintael/microkern/internal/version"
)

// Status is the full kernel snapshot returned by /api/status.
type Status struct {
	Time    time.Time                 `json:"time"`
	Version string                    `json:"version"`
	Workers []supervisor.WorkerStatus `json:"workers"`
	Topics  []bus.TopicStats          `json:"topics"`
}

// Server bundles the handlers with their dependencies.
type Server struct {
	bus    *bus.Bus
	sup    *supervisor.Supervisor
	logger zerolog.Logger
}

// New creates the API server for one kernel instance.
func New(b *bus.Bus, sup *supervisor.Supervisor) *Server {
	return &Server{
		bus:    b,
		sup:    sup,
		logger: log.WithComponent("api"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		Time:    time.Now().UTC(),
		Version: version.Version,
		Workers: s.sup.Snapshot(),
		Topics:  s.bus.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode status response")
	}
}
