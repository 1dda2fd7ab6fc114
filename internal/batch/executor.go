package batch

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/coalesce/internal/circuitbreaker"
	"github.com/basekick-labs/coalesce/internal/store"
)

// Engine turns one batch into per-record results against the store client.
// Records are grouped by operation, same-table selects with an identical
// projection share one underlying fetch, and writes retry individually with
// exponential backoff. Every store call passes through the circuit breaker.
type Engine struct {
	store   store.Client
	breaker *circuitbreaker.Breaker
	logger  zerolog.Logger
}

// NewEngine creates an engine. A nil breaker gets a default one.
func NewEngine(st store.Client, breaker *circuitbreaker.Breaker, logger zerolog.Logger) *Engine {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("store"), logger)
	}
	return &Engine{
		store:   st,
		breaker: breaker,
		logger:  logger.With().Str("component", "execution-engine").Logger(),
	}
}

// Breaker exposes the store breaker for status reporting.
func (e *Engine) Breaker() *circuitbreaker.Breaker { return e.breaker }

// Execute runs the batch and returns exactly one result per record, in no
// particular order. A non-nil error means execution failed before any
// per-record outcome was produced; the caller maps that to a uniform
// batch-level failure.
func (e *Engine) Execute(ctx context.Context, b *Batch, cfg Config) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("batch execution panicked: %v", r)
		}
	}()

	if b == nil || len(b.Queries) == 0 {
		return nil, nil
	}

	groups, order := groupByOperation(b.Queries)

	resCh := make(chan Result, len(b.Queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentOps)
	for _, op := range order {
		op := op
		records := groups[op]
		g.Go(func() error {
			e.executeGroup(gctx, op, records, cfg, resCh)
			return nil
		})
	}
	// Group goroutines never return errors; failures are per-record.
	_ = g.Wait()
	close(resCh)

	results = make([]Result, 0, len(b.Queries))
	for res := range resCh {
		results = append(results, res)
	}
	return results, nil
}

// groupByOperation partitions records per operation, preserving batch order
// within each group and first-seen order across groups.
func groupByOperation(records []*Record) (map[Operation][]*Record, []Operation) {
	groups := make(map[Operation][]*Record)
	var order []Operation
	for _, rec := range records {
		if _, ok := groups[rec.Operation]; !ok {
			order = append(order, rec.Operation)
		}
		groups[rec.Operation] = append(groups[rec.Operation], rec)
	}
	return groups, order
}

// executeGroup runs one operation group. A panic inside the group converts
// every member without a result yet to an OPERATION_FAILED result; members
// already emitted keep theirs, and sibling groups are unaffected. The
// one-result-per-record invariant holds on every path, so the result channel
// never overflows its len(batch) buffer.
func (e *Engine) executeGroup(ctx context.Context, op Operation, records []*Record, cfg Config, out chan<- Result) {
	sent := make(map[string]struct{}, len(records))
	emit := func(res Result) {
		sent[res.ID] = struct{}{}
		out <- res
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("operation", string(op)).
				Int("records", len(records)).
				Interface("panic", r).
				Msg("Operation group failed")
			for _, rec := range records {
				if _, ok := sent[rec.ID]; ok {
					continue
				}
				out <- Result{
					ID: rec.ID,
					Err: newError(CodeOperationFailed, fmt.Sprintf("%s group failed: %v", op, r), map[string]any{
						"operation": string(op),
						"table":     rec.Table,
					}),
				}
			}
		}
	}()

	if op == OpSelect {
		e.executeSelects(ctx, records, cfg, emit)
		return
	}
	for _, rec := range records {
		emit(e.executeWithRetry(ctx, rec, cfg))
	}
}

// selectKey groups selects that can share one fetch: same table, same
// projection. Column order is irrelevant.
func selectKey(rec *Record) string {
	cols := append([]string(nil), rec.Select.Columns...)
	sort.Strings(cols)
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	return rec.Table + "|" + strings.Join(cols, ",")
}

// executeSelects combines same-table, same-projection selects into one
// underlying fetch each, then fans the rows back out to every contributor
// filtered by that contributor's own filter.
func (e *Engine) executeSelects(ctx context.Context, records []*Record, cfg Config, emit func(Result)) {
	combined := make(map[string][]*Record)
	var keys []string
	for _, rec := range records {
		k := selectKey(rec)
		if _, ok := combined[k]; !ok {
			keys = append(keys, k)
		}
		combined[k] = append(combined[k], rec)
	}

	for _, k := range keys {
		members := combined[k]
		lead := members[0]
		if len(members) > 1 {
			e.logger.Debug().
				Str("table", lead.Table).
				Int("combined", len(members)).
				Msg("Combined same-projection selects into one fetch")
		}

		start := time.Now()
		var res store.Result
		callErr := e.breaker.Do(func() error {
			res = e.store.From(lead.Table).Select(ctx, lead.Select.Columns, cfg.SelectRowCap)
			return res.Err
		})
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		share := elapsed / float64(len(members))

		if callErr != nil {
			for _, rec := range members {
				emit(Result{
					ID: rec.ID,
					Err: newError(CodeExecutionError, "combined select failed", map[string]any{
						"table":    rec.Table,
						"columns":  rec.Select.Columns,
						"combined": len(members),
						"error":    callErr.Error(),
					}),
					ExecutionTime: share,
				})
			}
			continue
		}

		rows, filterable := res.Data.([]map[string]any)
		for _, rec := range members {
			data := res.Data
			if filterable {
				data = filterRows(rows, rec.Select.Filter, rec.Select.Limit)
			}
			emit(Result{ID: rec.ID, Data: data, ExecutionTime: share})
		}
	}
}

// filterRows applies a record's equality filter and limit to the shared
// result set of a combined select.
func filterRows(rows []map[string]any, filter map[string]any, limit int) []map[string]any {
	matched := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if matchesFilter(row, filter) {
			matched = append(matched, row)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched
}

func matchesFilter(row map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// executeWithRetry runs a single write record, retrying on failure with
// exponential backoff (RetryDelay doubled per attempt). The backoff wait is
// a non-blocking sleep scoped to this record; sibling records keep going.
// An open circuit breaker short-circuits the remaining attempts.
func (e *Engine) executeWithRetry(ctx context.Context, rec *Record, cfg Config) Result {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		var res store.Result
		callErr := e.breaker.Do(func() error {
			res = e.executeOne(ctx, rec)
			return res.Err
		})

		if callErr == nil {
			return Result{
				ID:            rec.ID,
				Data:          res.Data,
				ExecutionTime: float64(time.Since(start).Microseconds()) / 1000.0,
			}
		}
		lastErr = callErr

		if callErr == circuitbreaker.ErrOpen {
			e.logger.Warn().
				Str("query_id", rec.ID).
				Str("table", rec.Table).
				Msg("Store call rejected, circuit breaker open")
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		if attempt < cfg.RetryAttempts-1 {
			delay := cfg.RetryDelay * time.Duration(1<<uint(attempt))
			e.logger.Warn().
				Err(callErr).
				Str("query_id", rec.ID).
				Str("operation", string(rec.Operation)).
				Int("attempt", attempt+1).
				Int("max_attempts", cfg.RetryAttempts).
				Dur("retry_delay", delay).
				Msg("Query failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = cfg.RetryAttempts // bail out
			}
		}
	}

	return Result{
		ID: rec.ID,
		Err: newError(CodeQueryFailed, fmt.Sprintf("query failed after %d attempts", cfg.RetryAttempts), map[string]any{
			"operation": string(rec.Operation),
			"table":     rec.Table,
			"retries":   cfg.RetryAttempts,
			"error":     errString(lastErr),
		}),
		ExecutionTime: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

// executeOne issues the store call for one write record.
func (e *Engine) executeOne(ctx context.Context, rec *Record) store.Result {
	tq := e.store.From(rec.Table)
	switch rec.Operation {
	case OpInsert:
		return tq.Insert(ctx, rec.Insert.Rows)
	case OpUpdate:
		return tq.Update(ctx, rec.Update.Fields, rec.Update.Filter)
	case OpDelete:
		return tq.Delete(ctx, rec.Delete.Filter)
	default:
		return store.Result{Err: fmt.Errorf("unsupported operation %q", rec.Operation)}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
