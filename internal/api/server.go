// Package api serves the batcher's observability and control surface over
// HTTP: queue status, health, stats, live config, flush and cancel.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/coalesce/internal/batch"
	"github.com/basekick-labs/coalesce/internal/metrics"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
}

// Server exposes the batcher over HTTP.
type Server struct {
	app     *fiber.App
	batcher *batch.Batcher
	metrics *metrics.Metrics
	logger  zerolog.Logger
	addr    string
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg ServerConfig, b *batch.Batcher, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "coalesce",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	}))

	s := &Server{
		app:     app,
		batcher: b,
		metrics: m,
		logger:  logger.With().Str("component", "api-server").Logger(),
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.liveness)
	s.app.Get("/metrics", s.prometheus)

	v1 := s.app.Group("/api/v1")
	v1.Get("/queue/status", s.queueStatus)
	v1.Get("/queue/health", s.queueHealth)
	v1.Post("/queue/clear", s.queueClear)
	v1.Get("/stats", s.stats)
	v1.Post("/stats/reset", s.statsReset)
	v1.Get("/config", s.getConfig)
	v1.Put("/config", s.updateConfig)
	v1.Post("/flush", s.flush)
	v1.Delete("/queries/:id", s.cancelQuery)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.addr).Msg("Starting status API")
	go func() {
		if err := s.app.Listen(s.addr); err != nil {
			s.logger.Error().Err(err).Msg("Status API stopped")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
