package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/coalesce/internal/circuitbreaker"
	"github.com/basekick-labs/coalesce/internal/metrics"
	"github.com/basekick-labs/coalesce/internal/store"
)

// Queue pressure thresholds for health derivation.
const (
	warnPendingThreshold  = 20
	critPendingThreshold  = 50
	critOverdueThreshold  = 10
	critOldestAgeMultiple = 10 // critical when oldest age exceeds this multiple of MaxWaitTime
)

// Options configures a Batcher. The zero value is usable with a Nop logger;
// pass a Config pointer to override defaults.
type Options struct {
	Config  *Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Breaker *circuitbreaker.Breaker
}

// Batcher owns the processing loop: a queue manager holding pending work and
// an execution engine draining it one batch per tick. Construct one per
// store client at the application's composition root; instances are
// independent and safe for concurrent use.
type Batcher struct {
	queue   *QueueManager
	engine  *Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger

	statsMu sync.Mutex
	stats   Stats

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a batcher and starts its processing loop.
func New(st store.Client, opts Options) *Batcher {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = opts.Config.withDefaults()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	b := &Batcher{
		queue:   NewQueueManager(cfg, opts.Logger),
		engine:  NewEngine(st, opts.Breaker, opts.Logger),
		metrics: m,
		logger:  opts.Logger.With().Str("component", "batcher").Logger(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()

	b.logger.Info().
		Int("max_batch_size", cfg.MaxBatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Bool("priority_queues", cfg.PriorityQueues).
		Msg("Batcher started")
	return b
}

// AddQuery enqueues a request and returns its pending result. When the
// queue reaches a full batch the loop is woken immediately; otherwise the
// next tick picks the record up.
func (b *Batcher) AddQuery(req Request) (*Pending, error) {
	p, err := b.queue.Add(req)
	if err != nil {
		return nil, err
	}
	b.metrics.IncEnqueued()

	if b.queue.Status().PendingQueries >= b.queue.Config().MaxBatchSize {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return p, nil
}

// Do enqueues a request and waits for its result.
func (b *Batcher) Do(ctx context.Context, req Request) (any, error) {
	p, err := b.AddQuery(req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// CancelQuery cancels a pending or in-flight query by id. See
// QueueManager.Cancel for the exact semantics.
func (b *Batcher) CancelQuery(id string) bool {
	ok := b.queue.Cancel(id)
	if ok {
		b.metrics.IncCancelled()
	}
	return ok
}

// QueueStatus reports the pending queue's current shape.
func (b *Batcher) QueueStatus() QueueStatus { return b.queue.Status() }

// Config returns the live configuration.
func (b *Batcher) Config() Config { return b.queue.Config() }

// UpdateConfig applies a partial configuration change. A new BatchTimeout
// takes effect on the next loop iteration.
func (b *Batcher) UpdateConfig(upd ConfigUpdate) Config {
	cfg := b.queue.UpdateConfig(upd)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return cfg
}

// Stats returns the running aggregates.
func (b *Batcher) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// ResetStats zeroes the running aggregates.
func (b *Batcher) ResetStats() {
	b.statsMu.Lock()
	b.stats = Stats{}
	b.statsMu.Unlock()
}

// BreakerStats exposes the store circuit breaker snapshot.
func (b *Batcher) BreakerStats() map[string]any { return b.engine.Breaker().Stats() }

// Health derives the back-pressure signal from queue depth, overdue count
// and oldest age. Producers should throttle when status is not healthy.
func (b *Batcher) Health() QueueHealth {
	st := b.queue.Status()
	overdue := len(b.queue.Overdue())
	maxWaitMs := float64(b.queue.Config().MaxWaitTime.Microseconds()) / 1000.0

	h := QueueHealth{
		Status:           HealthHealthy,
		PendingQueries:   st.PendingQueries,
		OverdueQueries:   overdue,
		OldestQueryAgeMs: st.OldestQueryAgeMs,
	}

	switch {
	case st.PendingQueries > critPendingThreshold,
		overdue > critOverdueThreshold,
		st.OldestQueryAgeMs > maxWaitMs*critOldestAgeMultiple:
		h.Status = HealthCritical
	case st.PendingQueries > warnPendingThreshold,
		overdue > 0,
		st.OldestQueryAgeMs > maxWaitMs:
		h.Status = HealthWarning
	}

	if st.PendingQueries > critPendingThreshold {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("queue depth %d exceeds %d; stop enqueuing until the queue drains", st.PendingQueries, critPendingThreshold))
	} else if st.PendingQueries > warnPendingThreshold {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("queue depth %d exceeds %d; throttle producers or raise max_batch_size", st.PendingQueries, warnPendingThreshold))
	}
	if overdue > 0 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("%d queries waited longer than max_wait_time; lower batch_timeout or reduce load", overdue))
	}
	if st.OldestQueryAgeMs > maxWaitMs {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("oldest query has waited %.0fms; consider calling ForceProcessBatch", st.OldestQueryAgeMs))
	}
	return h
}

// ForceProcessBatch synchronously runs one processing cycle outside the
// timer cadence. Safe to call concurrently with the loop.
func (b *Batcher) ForceProcessBatch(ctx context.Context) {
	b.processBatch(ctx)
}

// ClearQueue drops all pending work and rejects the outstanding callers.
func (b *Batcher) ClearQueue() int { return b.queue.Clear() }

// Shutdown stops the loop and drains the queue so no caller is left
// unresolved. Errors during the final flush are logged, not returned.
func (b *Batcher) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.done

		for b.queue.Status().PendingQueries > 0 {
			if ctx.Err() != nil {
				dropped := b.queue.Clear()
				b.logger.Warn().Int("dropped", dropped).Msg("Shutdown deadline reached before queue drained")
				return
			}
			b.processBatch(ctx)
		}
		b.logger.Info().Msg("Batcher stopped")
	})
}

// run is the processing loop. One goroutine owns it for the batcher's
// lifetime; ticks and wake signals both funnel into processBatch.
func (b *Batcher) run() {
	defer close(b.done)

	period := b.queue.Config().BatchTimeout
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-b.wake:
		case <-b.stop:
			return
		}
		b.processBatch(context.Background())

		if next := b.queue.Config().BatchTimeout; next != period {
			period = next
			ticker.Reset(period)
		}
	}
}

// processBatch pulls the next batch, executes it, feeds results back to the
// queue and updates aggregates. A no-op when the queue is empty.
func (b *Batcher) processBatch(ctx context.Context) {
	cfg := b.queue.Config()
	batch := b.queue.NextBatch()
	if batch == nil {
		return
	}

	start := time.Now()
	results, err := b.engine.Execute(ctx, batch, cfg)
	elapsed := time.Since(start)

	if err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch.Queries)).Msg("Batch execution failed")
		results = make([]Result, 0, len(batch.Queries))
		for _, rec := range batch.Queries {
			results = append(results, Result{
				ID: rec.ID,
				Err: newError(CodeBatchFailed, "batch execution failed", map[string]any{
					"error":      err.Error(),
					"batch_size": len(batch.Queries),
				}),
			})
		}
	}

	resolved, failed := b.queue.ProcessResults(results)
	b.recordBatch(batch, results, resolved, failed, elapsed)

	b.logger.Debug().
		Int("batch_size", len(batch.Queries)).
		Str("priority", string(batch.Priority)).
		Float64("avg_wait_ms", batch.TotalWaitTime).
		Dur("execution", elapsed).
		Msg("Batch processed")
}

// recordBatch folds one processed batch into the running aggregates.
// resolved/failed count only results that reached a pending caller, so a
// late result for a cancelled record moves neither counter.
func (b *Batcher) recordBatch(batch *Batch, results []Result, resolved, failed int, elapsed time.Duration) {
	var errored int64
	for _, res := range results {
		if res.Err != nil {
			errored++
		}
	}
	size := int64(len(batch.Queries))
	elapsedMs := float64(elapsed.Microseconds()) / 1000.0

	b.statsMu.Lock()
	b.stats.TotalBatches++
	b.stats.TotalQueries += size
	n := float64(b.stats.TotalBatches)
	b.stats.AvgBatchSize += (float64(size) - b.stats.AvgBatchSize) / n
	b.stats.AvgExecutionTimeMs += (elapsedMs - b.stats.AvgExecutionTimeMs) / n
	if size > 0 {
		b.stats.RetryRate = float64(errored) / float64(size)
	}
	b.statsMu.Unlock()

	b.metrics.IncBatches()
	b.metrics.AddResolved(int64(resolved))
	b.metrics.AddFailed(int64(failed))
	b.metrics.AddExecutionTime(elapsed)
}
