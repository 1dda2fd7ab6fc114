// Package metrics collects batcher counters for the status API and the
// Prometheus text endpoint. All counters are atomic; one Metrics instance
// is shared between the batcher and the API server.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics holds batching-layer counters.
type Metrics struct {
	startTime time.Time

	queriesEnqueued  atomic.Int64
	queriesResolved  atomic.Int64
	queriesFailed    atomic.Int64
	queriesCancelled atomic.Int64
	batchesTotal     atomic.Int64
	executionMicros  atomic.Int64
}

// New creates an empty metrics set.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncEnqueued()  { m.queriesEnqueued.Add(1) }
func (m *Metrics) IncCancelled() { m.queriesCancelled.Add(1) }
func (m *Metrics) IncBatches()   { m.batchesTotal.Add(1) }

func (m *Metrics) AddResolved(n int64) { m.queriesResolved.Add(n) }
func (m *Metrics) AddFailed(n int64)   { m.queriesFailed.Add(n) }

func (m *Metrics) AddExecutionTime(d time.Duration) {
	m.executionMicros.Add(d.Microseconds())
}

// Snapshot returns all counters keyed by metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"queries_enqueued_total":  m.queriesEnqueued.Load(),
		"queries_resolved_total":  m.queriesResolved.Load(),
		"queries_failed_total":    m.queriesFailed.Load(),
		"queries_cancelled_total": m.queriesCancelled.Load(),
		"batches_total":           m.batchesTotal.Load(),
		"execution_micros_total":  m.executionMicros.Load(),
		"uptime_seconds":          int64(time.Since(m.startTime).Seconds()),
	}
}

// Prometheus renders the counters in Prometheus text exposition format.
func (m *Metrics) Prometheus() string {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		full := "coalesce_" + name
		fmt.Fprintf(&sb, "# TYPE %s counter\n", full)
		fmt.Fprintf(&sb, "%s %d\n", full, snap[name])
	}
	return sb.String()
}
