// Package circuitbreaker protects the store client from being hammered while
// it is failing: after enough consecutive failures calls are rejected
// outright until a cooldown passes, then a few probes decide whether to
// resume normal operation.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's current mode.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // rejecting calls
	HalfOpen              // probing after cooldown
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config tunes the breaker.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // open duration before probing
	// ProbeCount is the total number of calls admitted per half-open
	// episode. That many successes close the breaker; any probe failure
	// reopens it, and a fresh budget starts after the next cooldown.
	ProbeCount int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ProbeCount:       3,
	}
}

// Breaker implements the circuit breaker pattern over a single mutex.
type Breaker struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
}

// New creates a breaker. Zero-valued config fields fall back to defaults.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	d := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = d.ProbeCount
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
	}
}

// Do runs fn under breaker protection. When the breaker is open, fn is not
// called and ErrOpen is returned. A panicking fn is recorded as a failure
// before the panic propagates, so an abandoned call cannot leak an admitted
// half-open probe.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	recorded := false
	defer func() {
		if !recorded {
			b.record(errors.New("call panicked"))
		}
	}()
	err := fn()
	recorded = true
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.Cooldown {
			b.transition(HalfOpen)
			b.probes = 1
			return true
		}
		return false
	default: // HalfOpen
		if b.probes < b.cfg.ProbeCount {
			b.probes++
			return true
		}
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()
		if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.FailureThreshold) {
			b.transition(Open)
		}
		return
	}

	b.successes++
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.successes >= b.cfg.ProbeCount {
			b.transition(Closed)
		}
	}
}

// transition changes state and resets counters. Must hold mu.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	b.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Circuit breaker state changed")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() bool {
	return b.State() == Open
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
}

// Stats returns a snapshot for the status API.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"name":              b.cfg.Name,
		"state":             b.state.String(),
		"failures":          b.failures,
		"failure_threshold": b.cfg.FailureThreshold,
		"cooldown_seconds":  b.cfg.Cooldown.Seconds(),
		"last_failure_time": b.lastFailure,
	}
}
