// Package api serves the ingester's operational HTTP endpoints:
// Prometheus metrics, dependency health, pipeline statistics and build
// information.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/buildinfo"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/connwatch"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthSource reports dependency health. *connwatch.Manager satisfies it.
type HealthSource interface {
	Status() []connwatch.ServiceStatus
	Healthy() bool
}

// StatsSource reports pipeline counters. *pipeline.Pipeline satisfies it.
type StatsSource interface {
	Stats() pipeline.Stats
}

// Config wires a Server. Any nil source disables its endpoint.
type Config struct {
	Listen   string
	Gatherer prometheus.Gatherer
	Health   HealthSource
	Stats    StatsSource
	Logger   *slog.Logger
}

// Server is the operational HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}
	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /version", s.handleVersion)
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting metrics server", "listen", s.cfg.Listen)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Uptime   string                    `json:"uptime"`
	Services []connwatch.ServiceStatus `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		Uptime:   buildinfo.Uptime().String(),
		Services: []connwatch.ServiceStatus{},
	}
	if s.cfg.Health != nil {
		resp.Services = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

type statsResponse struct {
	Received         uint64 `json:"received"`
	Filtered         uint64 `json:"filtered"`
	TransformFailed  uint64 `json:"transform_failed"`
	FutureRejected   uint64 `json:"future_rejected"`
	LocationRejected uint64 `json:"location_rejected"`
	Processed        uint64 `json:"processed"`
	PublishFailed    uint64 `json:"publish_failed"`
	WriteFailed      uint64 `json:"write_failed"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Stats == nil {
		http.Error(w, "pipeline not running", http.StatusServiceUnavailable)
		return
	}
	st := s.cfg.Stats.Stats()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, statsResponse(st), s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}
