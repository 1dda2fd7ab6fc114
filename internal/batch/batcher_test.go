package batch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/coalesce/internal/metrics"
)

func newTestBatcher(t *testing.T, st *fakeStore, cfg Config) *Batcher {
	t.Helper()
	b := New(st, Options{Config: &cfg, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b
}

func TestBatcher_EndToEnd(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchTimeout = 10 * time.Millisecond
	b := newTestBatcher(t, st, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := b.Do(ctx, Request{
		Operation: OpInsert,
		Table:     "robots",
		Priority:  PriorityHigh,
		Insert:    &InsertSpec{Rows: []map[string]any{{"name": "r2d2"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows_affected": int64(1)}, data)
}

func TestBatcher_CombinesAcrossCallers(t *testing.T) {
	st := &fakeStore{rows: []map[string]any{
		{"id": 1, "kind": "rover"},
		{"id": 2, "kind": "drone"},
	}}
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour // drive processing explicitly
	b := newTestBatcher(t, st, cfg)

	var pendings []*Pending
	for _, kind := range []string{"rover", "drone"} {
		p, err := b.AddQuery(Request{
			Operation: OpSelect,
			Table:     "robots",
			Priority:  PriorityMedium,
			Select:    &SelectSpec{Filter: map[string]any{"kind": kind}},
		})
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	b.ForceProcessBatch(context.Background())

	for _, p := range pendings {
		data, err := p.Wait(context.Background())
		require.NoError(t, err)
		rows := data.([]map[string]any)
		assert.Len(t, rows, 1)
	}

	// Both callers were served from one underlying fetch.
	selects, _ := st.counts()
	assert.Equal(t, 1, selects)
}

func TestBatcher_WakesOnFullBatch(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 2
	cfg.BatchTimeout = time.Hour // the timer alone would never fire in time
	b := newTestBatcher(t, st, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Do(ctx, Request{
				Operation: OpInsert,
				Table:     "robots",
				Priority:  PriorityMedium,
				Insert:    &InsertSpec{Rows: []map[string]any{{"n": 1}}},
			})
			ch <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-ch)
	}
}

func TestBatcher_Cancel(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour
	b := newTestBatcher(t, st, cfg)

	p, err := b.AddQuery(Request{
		Operation: OpSelect, Table: "robots", Priority: PriorityMedium,
		Select: &SelectSpec{},
	})
	require.NoError(t, err)

	require.True(t, b.CancelQuery(p.ID()))
	assert.False(t, b.CancelQuery(p.ID()), "second cancel must report not found")

	_, err = p.Wait(context.Background())
	be, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeQueryCancelled, be.Code)
	assert.Equal(t, 499, be.Status)
}

func TestBatcher_Health(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 500 // keep the wake path quiet
	cfg.BatchTimeout = time.Hour
	b := newTestBatcher(t, st, cfg)

	assert.Equal(t, HealthHealthy, b.Health().Status)

	for i := 0; i < critPendingThreshold+5; i++ {
		_, err := b.AddQuery(Request{
			Operation: OpSelect, Table: "robots", Priority: PriorityMedium,
			Select: &SelectSpec{},
		})
		require.NoError(t, err)
	}

	h := b.Health()
	assert.Equal(t, HealthCritical, h.Status)
	assert.Equal(t, critPendingThreshold+5, h.PendingQueries)
	assert.NotEmpty(t, h.Recommendations)

	dropped := b.ClearQueue()
	assert.Equal(t, critPendingThreshold+5, dropped)
	assert.Equal(t, HealthHealthy, b.Health().Status)
}

func TestBatcher_HealthWarning(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 500
	cfg.BatchTimeout = time.Hour
	b := newTestBatcher(t, st, cfg)

	for i := 0; i < warnPendingThreshold+1; i++ {
		_, err := b.AddQuery(Request{
			Operation: OpSelect, Table: "robots", Priority: PriorityMedium,
			Select: &SelectSpec{},
		})
		require.NoError(t, err)
	}

	h := b.Health()
	assert.Equal(t, HealthWarning, h.Status)
	b.ClearQueue()
}

func TestBatcher_Stats(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour
	b := newTestBatcher(t, st, cfg)

	for i := 0; i < 3; i++ {
		_, err := b.AddQuery(Request{
			Operation: OpInsert, Table: "robots", Priority: PriorityMedium,
			Insert: &InsertSpec{Rows: []map[string]any{{"n": i}}},
		})
		require.NoError(t, err)
	}
	b.ForceProcessBatch(context.Background())

	s := b.Stats()
	assert.Equal(t, int64(1), s.TotalBatches)
	assert.Equal(t, int64(3), s.TotalQueries)
	assert.Equal(t, 3.0, s.AvgBatchSize)
	assert.Zero(t, s.RetryRate)

	b.ResetStats()
	assert.Equal(t, Stats{}, b.Stats())
}

func TestBatcher_StatsRetryRate(t *testing.T) {
	st := &fakeStore{failWrites: 1000}
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour
	cfg.RetryAttempts = 1
	b := newTestBatcher(t, st, cfg)

	ok, err := b.AddQuery(Request{
		Operation: OpSelect, Table: "robots", Priority: PriorityMedium,
		Select: &SelectSpec{},
	})
	require.NoError(t, err)
	bad, err := b.AddQuery(Request{
		Operation: OpInsert, Table: "robots", Priority: PriorityMedium,
		Insert: &InsertSpec{Rows: []map[string]any{{"n": 1}}},
	})
	require.NoError(t, err)

	b.ForceProcessBatch(context.Background())

	_, err = ok.Wait(context.Background())
	require.NoError(t, err)
	_, err = bad.Wait(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0.5, b.Stats().RetryRate)
}

func TestBatcher_UpdateConfig(t *testing.T) {
	st := &fakeStore{}
	b := newTestBatcher(t, st, DefaultConfig())

	size := 7
	timeout := 30 * time.Millisecond
	cfg := b.UpdateConfig(ConfigUpdate{MaxBatchSize: &size, BatchTimeout: &timeout})
	assert.Equal(t, 7, cfg.MaxBatchSize)
	assert.Equal(t, timeout, cfg.BatchTimeout)
	assert.Equal(t, 7, b.Config().MaxBatchSize)
}

func TestBatcher_MetricsFlow(t *testing.T) {
	st := &fakeStore{}
	m := metrics.New()
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour
	b := New(st, Options{Config: &cfg, Logger: zerolog.Nop(), Metrics: m})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Shutdown(ctx)
	}()

	_, err := b.AddQuery(Request{
		Operation: OpInsert, Table: "robots", Priority: PriorityMedium,
		Insert: &InsertSpec{Rows: []map[string]any{{"n": 1}}},
	})
	require.NoError(t, err)
	b.ForceProcessBatch(context.Background())

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["queries_enqueued_total"])
	assert.Equal(t, int64(1), snap["queries_resolved_total"])
	assert.Equal(t, int64(1), snap["batches_total"])
	assert.Zero(t, snap["queries_failed_total"])
}

func TestBatcher_CancelledInFlightNotCountedResolved(t *testing.T) {
	st := &fakeStore{
		writeStarted: make(chan struct{}, 1),
		writeGate:    make(chan struct{}),
	}
	m := metrics.New()
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour
	b := New(st, Options{Config: &cfg, Logger: zerolog.Nop(), Metrics: m})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Shutdown(ctx)
	}()

	p, err := b.AddQuery(Request{
		Operation: OpInsert, Table: "robots", Priority: PriorityMedium,
		Insert: &InsertSpec{Rows: []map[string]any{{"n": 1}}},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.ForceProcessBatch(context.Background())
		close(done)
	}()

	// Cancel while the store call is stalled mid-flight.
	<-st.writeStarted
	require.True(t, b.CancelQuery(p.ID()))
	_, err = p.Wait(context.Background())
	require.Error(t, err)

	close(st.writeGate)
	<-done

	// The late result was dropped; resolved and cancelled must not double
	// count the same query.
	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["queries_enqueued_total"])
	assert.Equal(t, int64(1), snap["queries_cancelled_total"])
	assert.Zero(t, snap["queries_resolved_total"])
	assert.Zero(t, snap["queries_failed_total"])
}

func TestBatcher_ShutdownDrainsQueue(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour
	b := New(st, Options{Config: &cfg, Logger: zerolog.Nop()})

	var pendings []*Pending
	for i := 0; i < 5; i++ {
		p, err := b.AddQuery(Request{
			Operation: OpInsert, Table: "robots", Priority: PriorityMedium,
			Insert: &InsertSpec{Rows: []map[string]any{{"n": i}}},
		})
		require.NoError(t, err)
		pendings = append(pendings, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Shutdown(ctx)

	for _, p := range pendings {
		_, err := p.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Zero(t, b.QueueStatus().PendingQueries)
}

func TestBatcher_ShutdownDeadlineClearsQueue(t *testing.T) {
	st := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchTimeout = time.Hour
	b := New(st, Options{Config: &cfg, Logger: zerolog.Nop()})

	p, err := b.AddQuery(Request{
		Operation: OpSelect, Table: "robots", Priority: PriorityMedium,
		Select: &SelectSpec{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Shutdown(ctx)

	_, err = p.Wait(context.Background())
	be, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeQueueCleared, be.Code)
}

func TestBatcher_ShutdownIdempotent(t *testing.T) {
	st := &fakeStore{}
	b := New(st, Options{Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Shutdown(ctx)
	b.Shutdown(ctx) // must not block or panic
}
