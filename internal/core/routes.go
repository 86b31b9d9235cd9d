package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultRequestTimeout = 15 * time.Second

// defaultRedactedHeaders lists headers masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"X-Admin-Key",
	"Processor-Signature",
}

// MountRoutes registers the global middleware chain, the /v1 group, and the
// health endpoint.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Route("/v1", s.mountV1)
	s.router.Get("/health", s.HandleHealth)
}

// registerGlobalMiddleware applies middleware in strict order: recovery first
// so it catches everything, then deadline, correlation ID, security headers,
// logging, CORS, and metrics. Admin auth is applied per-route, not globally.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

// mountV1 registers domain handler routes. Registrars are populated by the
// entry point, avoiding an import cycle between core and handler packages.
func (s *Server) mountV1(r chi.Router) {
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}
