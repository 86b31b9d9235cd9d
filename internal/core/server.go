// Package core provides the API chassis for the Waypost service. It builds a
// chi router with the cross-cutting middleware chain (recovery, request IDs,
// logging, metrics, admin auth) so domain handlers only deal with their own
// concerns.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"waypost/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server bundles the dependencies shared across handlers.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// HealthProbes are checked by GET /health. Registered at wiring time.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handler routes under /v1. Populated by
	// the entry point so core never imports handler packages.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer validates critical dependencies and prepares the router. Routes
// are mounted separately via MountRoutes so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-held resources. Connection pools are owned by the
// entry point; this hook exists for anything registered on the server itself.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
