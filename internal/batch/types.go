package batch

import (
	"fmt"
	"time"
)

// Operation is the kind of store operation a request performs.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority is the extraction tier of a queued request.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank maps priorities to extraction order. Lower drains first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// SelectSpec describes a read: an explicit projection, an equality filter
// applied client-side after the shared fetch, and an optional row limit.
type SelectSpec struct {
	Columns []string       `json:"columns,omitempty"`
	Filter  map[string]any `json:"filter,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

// InsertSpec describes a write of one or more rows.
type InsertSpec struct {
	Rows []map[string]any `json:"rows"`
}

// UpdateSpec describes a field update applied to rows matching the filter.
type UpdateSpec struct {
	Fields map[string]any `json:"fields"`
	Filter map[string]any `json:"filter,omitempty"`
}

// DeleteSpec describes a delete of rows matching the filter.
type DeleteSpec struct {
	Filter map[string]any `json:"filter,omitempty"`
}

// Request is one unit of work submitted to the batcher. Exactly one of the
// per-operation payloads must be set, matching Operation.
type Request struct {
	Operation Operation   `json:"operation"`
	Table     string      `json:"table"`
	Priority  Priority    `json:"priority"`
	Select    *SelectSpec `json:"select,omitempty"`
	Insert    *InsertSpec `json:"insert,omitempty"`
	Update    *UpdateSpec `json:"update,omitempty"`
	Delete    *DeleteSpec `json:"delete,omitempty"`
}

// Validate checks operation/payload agreement and fills the default priority.
func (r *Request) Validate() error {
	switch r.Operation {
	case OpSelect:
		if r.Select == nil {
			return fmt.Errorf("select request missing select spec")
		}
	case OpInsert:
		if r.Insert == nil || len(r.Insert.Rows) == 0 {
			return fmt.Errorf("insert request missing rows")
		}
	case OpUpdate:
		if r.Update == nil || len(r.Update.Fields) == 0 {
			return fmt.Errorf("update request missing fields")
		}
	case OpDelete:
		if r.Delete == nil {
			return fmt.Errorf("delete request missing delete spec")
		}
	default:
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	if r.Table == "" {
		return fmt.Errorf("request missing table")
	}
	switch r.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	case "":
		r.Priority = PriorityMedium
	default:
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	return nil
}

// Record is a queued request with identity and enqueue time.
type Record struct {
	Request
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// AgeMs returns the record's age in milliseconds at the given instant.
func (r *Record) AgeMs(now time.Time) float64 {
	return float64(now.Sub(r.Timestamp).Microseconds()) / 1000.0
}

// Batch is a bounded slice of records selected for one execution cycle.
type Batch struct {
	Queries []*Record
	// TotalWaitTime is the mean age in milliseconds of the batch members
	// at selection time.
	TotalWaitTime float64
	// Priority is the batch's effective priority: high if any member is
	// high, else medium when mediums outnumber lows, else low.
	Priority Priority
}

// Result is the per-record outcome of one execution cycle. Exactly one
// Result is produced per record that entered execution.
type Result struct {
	ID            string  `json:"id"`
	Data          any     `json:"data,omitempty"`
	Err           *Error  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time_ms"`
}

// Config controls queue formation and execution.
type Config struct {
	MaxBatchSize   int           `json:"max_batch_size"`
	BatchTimeout   time.Duration `json:"batch_timeout"`
	MaxWaitTime    time.Duration `json:"max_wait_time"`
	PriorityQueues bool          `json:"priority_queues"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryDelay     time.Duration `json:"retry_delay"`
	// MaxConcurrentOps bounds how many operation groups execute in
	// parallel within one batch.
	MaxConcurrentOps int `json:"max_concurrent_ops"`
	// SelectRowCap bounds the underlying fetch of a combined select.
	SelectRowCap int `json:"select_row_cap"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     10,
		BatchTimeout:     50 * time.Millisecond,
		MaxWaitTime:      500 * time.Millisecond,
		PriorityQueues:   true,
		RetryAttempts:    3,
		RetryDelay:       100 * time.Millisecond,
		MaxConcurrentOps: 4,
		SelectRowCap:     1000,
	}
}

// withDefaults fills zero-valued numeric fields from DefaultConfig.
// PriorityQueues is taken as given: a caller providing an explicit Config
// owns that flag, and a nil Config at construction means DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = d.MaxWaitTime
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxConcurrentOps <= 0 {
		c.MaxConcurrentOps = d.MaxConcurrentOps
	}
	if c.SelectRowCap <= 0 {
		c.SelectRowCap = d.SelectRowCap
	}
	return c
}

// ConfigUpdate is a partial config mutation. Nil fields are left unchanged.
type ConfigUpdate struct {
	MaxBatchSize     *int           `json:"max_batch_size,omitempty"`
	BatchTimeout     *time.Duration `json:"batch_timeout,omitempty"`
	MaxWaitTime      *time.Duration `json:"max_wait_time,omitempty"`
	PriorityQueues   *bool          `json:"priority_queues,omitempty"`
	RetryAttempts    *int           `json:"retry_attempts,omitempty"`
	RetryDelay       *time.Duration `json:"retry_delay,omitempty"`
	MaxConcurrentOps *int           `json:"max_concurrent_ops,omitempty"`
	SelectRowCap     *int           `json:"select_row_cap,omitempty"`
}

func (u ConfigUpdate) apply(c Config) Config {
	if u.MaxBatchSize != nil && *u.MaxBatchSize > 0 {
		c.MaxBatchSize = *u.MaxBatchSize
	}
	if u.BatchTimeout != nil && *u.BatchTimeout > 0 {
		c.BatchTimeout = *u.BatchTimeout
	}
	if u.MaxWaitTime != nil && *u.MaxWaitTime > 0 {
		c.MaxWaitTime = *u.MaxWaitTime
	}
	if u.PriorityQueues != nil {
		c.PriorityQueues = *u.PriorityQueues
	}
	if u.RetryAttempts != nil && *u.RetryAttempts > 0 {
		c.RetryAttempts = *u.RetryAttempts
	}
	if u.RetryDelay != nil && *u.RetryDelay > 0 {
		c.RetryDelay = *u.RetryDelay
	}
	if u.MaxConcurrentOps != nil && *u.MaxConcurrentOps > 0 {
		c.MaxConcurrentOps = *u.MaxConcurrentOps
	}
	if u.SelectRowCap != nil && *u.SelectRowCap > 0 {
		c.SelectRowCap = *u.SelectRowCap
	}
	return c
}

// QueueStatus is a point-in-time view of the pending queue.
type QueueStatus struct {
	PendingQueries   int              `json:"pending_queries"`
	ByPriority       map[Priority]int `json:"by_priority"`
	OldestQueryAgeMs float64          `json:"oldest_query_age_ms"`
}

// Stats are running aggregates over all processed batches.
type Stats struct {
	TotalBatches       int64   `json:"total_batches"`
	TotalQueries       int64   `json:"total_queries"`
	AvgBatchSize       float64 `json:"avg_batch_size"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
	// RetryRate is the errored fraction of the most recent batch.
	RetryRate float64 `json:"retry_rate"`
}

// HealthState classifies queue pressure for producers.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthWarning  HealthState = "warning"
	HealthCritical HealthState = "critical"
)

// QueueHealth is the back-pressure signal callers should watch. When Status
// is not healthy, Recommendations is non-empty.
type QueueHealth struct {
	Status           HealthState `json:"status"`
	PendingQueries   int         `json:"pending_queries"`
	OverdueQueries   int         `json:"overdue_queries"`
	OldestQueryAgeMs float64     `json:"oldest_query_age_ms"`
	Recommendations  []string    `json:"recommendations"`
}
