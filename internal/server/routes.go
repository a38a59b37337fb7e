package server

import (
	"context"
	"net/http"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/appid"
	"github.com/atelierhq/atelier/internal/observability"
	"github.com/atelierhq/atelier/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	if s.deps.Chat != nil {
		s.router.Post("/chat", s.deps.Chat.ServeHTTP)
		s.router.Get("/chat/ws", s.deps.Chat.ServeWebsocket)
	}
	if s.deps.Media != nil {
		s.router.Get("/media/{name}", s.deps.Media.ServeHTTP)
	}

	if health := s.deps.Health; health != nil {
		s.router.Get("/health", health.Handler(handlers.ProbeAggregate))
		s.router.Get("/health/live", health.Handler(handlers.ProbeLive))
		s.router.Get("/health/ready", health.Handler(handlers.ProbeReady))
		s.router.Get("/health/startup", health.Handler(handlers.ProbeStartup))
	}
	if s.deps.Profiler {
		s.router.Mount("/debug", middleware.Profiler())
	}

	s.router.Method(http.MethodGet, "/version", s.deps.Version)
	s.router.Method(http.MethodGet, "/metrics", metricsHandler{})

	s.registerAdminEndpoint()
}

// registerAdminEndpoint mounts the signal endpoint when an admin token is set.
func (s *Server) registerAdminEndpoint() {
	identity, _ := appid.Get(context.Background())
	envPrefix := appid.EnvPrefix(identity)

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	// Create HTTP signal handler with bearer token auth and rate limiting
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	// Register admin endpoint
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
