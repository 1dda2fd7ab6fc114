// Package shutdown coordinates graceful teardown: hooks run in priority
// order under a shared deadline when a termination signal arrives.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Hook performs one component's cleanup.
type Hook func(ctx context.Context) error

// Suggested priorities. Lower runs first.
const (
	PriorityAPI     = 10 // stop accepting requests first
	PriorityBatcher = 20 // drain the queue
	PriorityStore   = 30 // close the store last
)

type entry struct {
	name     string
	hook     Hook
	priority int
}

// Coordinator runs registered hooks once, in priority order.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	entries []entry
	once    sync.Once
}

// New creates a coordinator with the given overall teardown deadline.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
	}
}

// Register adds a named hook. Lower priority runs first.
func (c *Coordinator) Register(name string, priority int, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{name: name, hook: hook, priority: priority})
}

// WaitForSignal blocks until SIGINT, SIGTERM or SIGQUIT.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-quit
	c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	return sig
}

// Run executes all hooks under the deadline. The first error is returned;
// later hooks still run unless the deadline expires.
func (c *Coordinator) Run() error {
	var firstErr error

	c.once.Do(func() {
		c.mu.Lock()
		entries := make([]entry, len(c.entries))
		copy(entries, c.entries)
		c.mu.Unlock()

		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].priority < entries[j].priority
		})

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		c.logger.Info().Int("hooks", len(entries)).Dur("timeout", c.timeout).Msg("Starting graceful shutdown")

		for _, e := range entries {
			if ctx.Err() != nil {
				c.logger.Warn().Str("hook", e.name).Msg("Shutdown deadline reached, skipping remaining hooks")
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				return
			}
			if err := e.hook(ctx); err != nil {
				c.logger.Error().Err(err).Str("hook", e.name).Msg("Shutdown hook failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})

	return firstErr
}
