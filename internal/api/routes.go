package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/basekick-labs/coalesce/internal/batch"
)

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) prometheus(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/plain; version=0.0.4")
	return c.SendString(s.metrics.Prometheus())
}

func (s *Server) queueStatus(c *fiber.Ctx) error {
	return c.JSON(s.batcher.QueueStatus())
}

func (s *Server) queueHealth(c *fiber.Ctx) error {
	h := s.batcher.Health()
	status := fiber.StatusOK
	if h.Status == batch.HealthCritical {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(h)
}

func (s *Server) queueClear(c *fiber.Ctx) error {
	dropped := s.batcher.ClearQueue()
	s.logger.Warn().Int("dropped", dropped).Msg("Queue cleared via API")
	return c.JSON(fiber.Map{"success": true, "dropped": dropped})
}

func (s *Server) stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"batching": s.batcher.Stats(),
		"breaker":  s.batcher.BreakerStats(),
		"counters": s.metrics.Snapshot(),
	})
}

func (s *Server) statsReset(c *fiber.Ctx) error {
	s.batcher.ResetStats()
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) getConfig(c *fiber.Ctx) error {
	return c.JSON(configView(s.batcher.Config()))
}

// configUpdateBody is the wire form of a partial config change; durations
// are milliseconds.
type configUpdateBody struct {
	MaxBatchSize     *int  `json:"max_batch_size"`
	BatchTimeoutMs   *int  `json:"batch_timeout_ms"`
	MaxWaitTimeMs    *int  `json:"max_wait_time_ms"`
	PriorityQueues   *bool `json:"priority_queues"`
	RetryAttempts    *int  `json:"retry_attempts"`
	RetryDelayMs     *int  `json:"retry_delay_ms"`
	MaxConcurrentOps *int  `json:"max_concurrent_ops"`
	SelectRowCap     *int  `json:"select_row_cap"`
}

func (s *Server) updateConfig(c *fiber.Ctx) error {
	var body configUpdateBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}

	upd := batch.ConfigUpdate{
		MaxBatchSize:     body.MaxBatchSize,
		PriorityQueues:   body.PriorityQueues,
		RetryAttempts:    body.RetryAttempts,
		MaxConcurrentOps: body.MaxConcurrentOps,
		SelectRowCap:     body.SelectRowCap,
	}
	if body.BatchTimeoutMs != nil {
		d := time.Duration(*body.BatchTimeoutMs) * time.Millisecond
		upd.BatchTimeout = &d
	}
	if body.MaxWaitTimeMs != nil {
		d := time.Duration(*body.MaxWaitTimeMs) * time.Millisecond
		upd.MaxWaitTime = &d
	}
	if body.RetryDelayMs != nil {
		d := time.Duration(*body.RetryDelayMs) * time.Millisecond
		upd.RetryDelay = &d
	}

	cfg := s.batcher.UpdateConfig(upd)
	s.logger.Info().Interface("config", configView(cfg)).Msg("Config updated via API")
	return c.JSON(configView(cfg))
}

func (s *Server) flush(c *fiber.Ctx) error {
	s.batcher.ForceProcessBatch(c.Context())
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) cancelQuery(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.batcher.CancelQuery(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "no pending query with that id",
		})
	}
	return c.JSON(fiber.Map{"success": true, "cancelled": id})
}

// configView renders a Config with millisecond durations.
func configView(cfg batch.Config) fiber.Map {
	return fiber.Map{
		"max_batch_size":     cfg.MaxBatchSize,
		"batch_timeout_ms":   cfg.BatchTimeout.Milliseconds(),
		"max_wait_time_ms":   cfg.MaxWaitTime.Milliseconds(),
		"priority_queues":    cfg.PriorityQueues,
		"retry_attempts":     cfg.RetryAttempts,
		"retry_delay_ms":     cfg.RetryDelay.Milliseconds(),
		"max_concurrent_ops": cfg.MaxConcurrentOps,
		"select_row_cap":     cfg.SelectRowCap,
	}
}
