package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueManager holds pending work, orders it by priority tier, yields
// bounded batches, and tracks the pending result for every in-flight record.
// All structural state is serialized behind one mutex: enqueue, extraction,
// resolution, and cancellation may be driven from different goroutines.
type QueueManager struct {
	mu       sync.Mutex
	cfg      Config
	queue    []*Record
	pending  map[string]*Pending
	inflight map[string]struct{}
	logger   zerolog.Logger
}

// NewQueueManager creates a queue manager. A zero Config gets defaults with
// priority queues enabled.
func NewQueueManager(cfg Config, logger zerolog.Logger) *QueueManager {
	zero := Config{}
	if cfg == zero {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.withDefaults()
	}
	return &QueueManager{
		cfg:      cfg,
		pending:  make(map[string]*Pending),
		inflight: make(map[string]struct{}),
		logger:   logger.With().Str("component", "queue-manager").Logger(),
	}
}

// Add validates the request, assigns an id, registers a pending result and
// inserts the record into the queue. It does not trigger execution; the
// batcher drives that. Insertion is priority-ordered when priority queues
// are enabled, otherwise append-only FIFO.
func (q *QueueManager) Add(req Request) (*Pending, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &Record{
		Request:   req,
		ID:        uuid.New().String()[:12],
		Timestamp: now,
	}
	p := newPending(rec.ID, now)

	q.mu.Lock()
	q.pending[rec.ID] = p
	q.insert(rec)
	depth := len(q.queue)
	q.mu.Unlock()

	q.logger.Debug().
		Str("query_id", rec.ID).
		Str("operation", string(req.Operation)).
		Str("table", req.Table).
		Str("priority", string(req.Priority)).
		Int("queue_depth", depth).
		Msg("Query enqueued")

	return p, nil
}

// insert places rec before the first queued record of a strictly lower
// priority tier, preserving FIFO order within a tier. Must hold mu.
func (q *QueueManager) insert(rec *Record) {
	if !q.cfg.PriorityQueues {
		q.queue = append(q.queue, rec)
		return
	}
	rank := rec.Priority.rank()
	for i, qd := range q.queue {
		if qd.Priority.rank() > rank {
			q.queue = append(q.queue, nil)
			copy(q.queue[i+1:], q.queue[i:])
			q.queue[i] = rec
			return
		}
	}
	q.queue = append(q.queue, rec)
}

// NextBatch removes up to MaxBatchSize records from the front of the queue
// and returns them as a batch, or nil when the queue is empty. Extracted
// records are marked in-flight until their results are processed.
func (q *QueueManager) NextBatch() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return nil
	}

	n := q.cfg.MaxBatchSize
	if n > len(q.queue) {
		n = len(q.queue)
	}
	members := make([]*Record, n)
	copy(members, q.queue[:n])
	remaining := make([]*Record, len(q.queue)-n)
	copy(remaining, q.queue[n:])
	q.queue = remaining

	now := time.Now()
	var ageSum float64
	var highs, mediums, lows int
	for _, rec := range members {
		q.inflight[rec.ID] = struct{}{}
		ageSum += rec.AgeMs(now)
		switch rec.Priority {
		case PriorityHigh:
			highs++
		case PriorityLow:
			lows++
		default:
			mediums++
		}
	}

	prio := PriorityLow
	switch {
	case highs > 0:
		prio = PriorityHigh
	case mediums > lows:
		prio = PriorityMedium
	}

	return &Batch{
		Queries:       members,
		TotalWaitTime: ageSum / float64(n),
		Priority:      prio,
	}
}

// ProcessResults resolves or rejects the pending result for each batch
// result. Results whose id has no pending entry, for example after a late
// cancellation, are dropped silently. It returns how many results actually
// resolved and rejected a pending caller; dropped results count as neither.
func (q *QueueManager) ProcessResults(results []Result) (resolved, failed int) {
	for _, res := range results {
		q.mu.Lock()
		p, ok := q.pending[res.ID]
		if ok {
			delete(q.pending, res.ID)
		}
		delete(q.inflight, res.ID)
		q.mu.Unlock()

		if !ok {
			q.logger.Debug().Str("query_id", res.ID).Msg("Dropping result with no pending caller")
			continue
		}
		if res.Err != nil {
			p.resolve(nil, res.Err)
			failed++
		} else {
			p.resolve(res.Data, nil)
			resolved++
		}
	}
	return resolved, failed
}

// Cancel cancels the record with the given id. A queued record is removed
// from the queue; an in-flight record keeps executing but its eventual
// result is suppressed. Either way the caller's pending result rejects with
// a cancellation error. Returns false when no pending result exists.
func (q *QueueManager) Cancel(id string) bool {
	q.mu.Lock()
	p, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.pending, id)
	for i, rec := range q.queue {
		if rec.ID == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	p.resolve(nil, cancelErr(id))
	q.logger.Debug().Str("query_id", id).Msg("Query cancelled")
	return true
}

// Status reports pending counts and the oldest record's age.
func (q *QueueManager) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{
		PendingQueries: len(q.queue),
		ByPriority: map[Priority]int{
			PriorityHigh:   0,
			PriorityMedium: 0,
			PriorityLow:    0,
		},
	}
	now := time.Now()
	for _, rec := range q.queue {
		st.ByPriority[rec.Priority]++
		if age := rec.AgeMs(now); age > st.OldestQueryAgeMs {
			st.OldestQueryAgeMs = age
		}
	}
	return st
}

// InFlight returns how many extracted records are awaiting results.
func (q *QueueManager) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Overdue returns copies of all queued records older than MaxWaitTime.
func (q *QueueManager) Overdue() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	limit := float64(q.cfg.MaxWaitTime.Microseconds()) / 1000.0
	var overdue []*Record
	for _, rec := range q.queue {
		if rec.AgeMs(now) > limit {
			cp := *rec
			overdue = append(overdue, &cp)
		}
	}
	return overdue
}

// Config returns the live configuration.
func (q *QueueManager) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// UpdateConfig applies a partial mutation to the live configuration.
func (q *QueueManager) UpdateConfig(upd ConfigUpdate) Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = upd.apply(q.cfg)
	return q.cfg
}

// Clear drops all queued records and rejects every outstanding pending
// result. Used on hard reset and during teardown of a stuck queue.
func (q *QueueManager) Clear() int {
	q.mu.Lock()
	dropped := len(q.pending)
	pendings := make([]*Pending, 0, dropped)
	for _, p := range q.pending {
		pendings = append(pendings, p)
	}
	q.queue = nil
	q.pending = make(map[string]*Pending)
	q.inflight = make(map[string]struct{})
	q.mu.Unlock()

	for _, p := range pendings {
		p.resolve(nil, newError(CodeQueueCleared, "queue cleared", map[string]any{"query_id": p.id}))
	}
	if dropped > 0 {
		q.logger.Warn().Int("dropped", dropped).Msg("Queue cleared, outstanding queries rejected")
	}
	return dropped
}
