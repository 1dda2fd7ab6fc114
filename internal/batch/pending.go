package batch

import (
	"context"
	"time"
)

type outcome struct {
	data any
	err  error
}

// Pending is the caller-side continuation for one queued record. It resolves
// exactly once, when the record's batch result is processed, or rejects on
// cancellation, retry exhaustion, or queue teardown.
type Pending struct {
	id    string
	start time.Time
	ch    chan outcome
}

func newPending(id string, start time.Time) *Pending {
	return &Pending{
		id:    id,
		start: start,
		// Buffered so the queue manager never blocks on a caller that
		// has not reached Wait yet.
		ch: make(chan outcome, 1),
	}
}

// ID returns the record id this pending result is keyed by, usable with
// Batcher.CancelQuery.
func (p *Pending) ID() string { return p.id }

// Wait blocks until the result arrives or ctx is done. Waiting may span
// several batch cycles when the queue is deep.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-p.ch:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve delivers the terminal outcome. The queue manager removes the
// pending entry from its map before calling this, so it runs at most once
// per Pending.
func (p *Pending) resolve(data any, err error) {
	p.ch <- outcome{data: data, err: err}
}
