// Package store defines the contract the batching layer executes against.
// Implementations return a result-or-error pair from every call; they never
// panic through on ordinary failures. Panics from a misbehaving client are
// contained by the execution engine.
package store

import "context"

// Result is the outcome of one store call. Data is implementation-shaped:
// selects return []map[string]any keyed by column name, writes return a
// small summary map.
type Result struct {
	Data any
	Err  error
}

// Client is the external data store. Close releases underlying resources.
type Client interface {
	From(table string) TableQuery
	Close() error
}

// TableQuery issues typed operations against one named table.
type TableQuery interface {
	// Select fetches up to limit rows of the given projection. A nil or
	// empty columns slice means all columns; limit <= 0 means no cap.
	Select(ctx context.Context, columns []string, limit int) Result

	// Insert writes the given rows.
	Insert(ctx context.Context, rows []map[string]any) Result

	// Update sets fields on every row matching the equality filter.
	Update(ctx context.Context, fields, filter map[string]any) Result

	// Delete removes every row matching the equality filter.
	Delete(ctx context.Context, filter map[string]any) Result
}
