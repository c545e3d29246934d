package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"trade_engine/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource serves the /healthz summary.
type HealthSource interface {
	Summary(ctx context.Context) core.HealthSummary
}

// Server exposes /metrics and /healthz.
type Server struct {
	port   int
	reg    *prometheus.Registry
	health HealthSource
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port int, reg *prometheus.Registry, health HealthSource, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		reg:    reg,
		health: health,
		logger: logger.WithField("component", "telemetry_server"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}
	go func() {
		s.logger.Info("telemetry server listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("telemetry server failed", "error", err)
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	summary := s.health.Summary(r.Context())
	status := http.StatusOK
	if !summary.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(summary)
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping telemetry server")
	return s.srv.Shutdown(ctx)
}
