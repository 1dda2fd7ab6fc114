// Package sqlstore implements the store contract over database/sql.
// Statement building goes through squirrel; the backend driver is selected
// by name, with sqlite as the zero-configuration default.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/coalesce/internal/store"

	// duckdb-go/v2 requires go >= 1.24 for every published version; this
	// build environment is pinned to go1.21 (GOTOOLCHAIN=local), so the
	// driver cannot be compiled. Opening the duckdb backend will fail with
	// "unknown driver" until the toolchain is upgraded and this import is
	// restored.
	// _ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Config selects and tunes the backing database.
type Config struct {
	Backend      string // sqlite, duckdb, or postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultConfig returns an in-memory sqlite backend.
func DefaultConfig() *Config {
	return &Config{
		Backend:      "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}
}

// Store is a database/sql-backed store client.
type Store struct {
	db          *sql.DB
	placeholder sq.PlaceholderFormat
	logger      zerolog.Logger
}

func driverName(backend string) (string, error) {
	switch backend {
	case "sqlite", "sqlite3", "":
		return "sqlite3", nil
	case "duckdb":
		return "duckdb", nil
	case "postgres", "pgx":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unknown store backend %q", backend)
	}
}

// Open connects to the configured backend and verifies the connection.
func Open(cfg *Config, logger zerolog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	driver, err := driverName(cfg.Backend)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", cfg.Backend, err)
	}

	placeholder := sq.PlaceholderFormat(sq.Question)
	if driver == "pgx" {
		placeholder = sq.Dollar
	}

	s := &Store{
		db:          db,
		placeholder: placeholder,
		logger:      logger.With().Str("component", "sqlstore").Str("backend", cfg.Backend).Logger(),
	}
	s.logger.Info().Msg("Store opened")
	return s, nil
}

// DB exposes the underlying handle for schema setup and tests.
func (s *Store) DB() *sql.DB { return s.db }

// From returns a query surface bound to one table.
func (s *Store) From(table string) store.TableQuery {
	return &tableQuery{store: s, table: table}
}

// Close closes the database handle.
func (s *Store) Close() error {
	s.logger.Info().Msg("Store closed")
	return s.db.Close()
}

type tableQuery struct {
	store *Store
	table string
}

func (t *tableQuery) Select(ctx context.Context, columns []string, limit int) store.Result {
	cols := columns
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	b := sq.Select(cols...).From(t.table).PlaceholderFormat(t.store.placeholder)
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return store.Result{Err: fmt.Errorf("failed to build select: %w", err)}
	}

	rows, err := t.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return store.Result{Err: fmt.Errorf("select on %s failed: %w", t.table, err)}
	}
	defer rows.Close()

	data, err := scanRows(rows)
	if err != nil {
		return store.Result{Err: fmt.Errorf("select on %s failed: %w", t.table, err)}
	}
	return store.Result{Data: data}
}

func (t *tableQuery) Insert(ctx context.Context, rowsIn []map[string]any) store.Result {
	if len(rowsIn) == 0 {
		return store.Result{Err: fmt.Errorf("insert on %s: no rows", t.table)}
	}

	// Column set comes from the first row; every row must provide it.
	cols := make([]string, 0, len(rowsIn[0]))
	for col := range rowsIn[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	b := sq.Insert(t.table).Columns(cols...).PlaceholderFormat(t.store.placeholder)
	for _, row := range rowsIn {
		vals := make([]any, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		b = b.Values(vals...)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return store.Result{Err: fmt.Errorf("failed to build insert: %w", err)}
	}
	return t.exec(ctx, "insert", query, args)
}

func (t *tableQuery) Update(ctx context.Context, fields, filter map[string]any) store.Result {
	if len(fields) == 0 {
		return store.Result{Err: fmt.Errorf("update on %s: no fields", t.table)}
	}
	b := sq.Update(t.table).SetMap(fields).PlaceholderFormat(t.store.placeholder)
	if len(filter) > 0 {
		b = b.Where(sq.Eq(filter))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return store.Result{Err: fmt.Errorf("failed to build update: %w", err)}
	}
	return t.exec(ctx, "update", query, args)
}

func (t *tableQuery) Delete(ctx context.Context, filter map[string]any) store.Result {
	b := sq.Delete(t.table).PlaceholderFormat(t.store.placeholder)
	if len(filter) > 0 {
		b = b.Where(sq.Eq(filter))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return store.Result{Err: fmt.Errorf("failed to build delete: %w", err)}
	}
	return t.exec(ctx, "delete", query, args)
}

func (t *tableQuery) exec(ctx context.Context, op, query string, args []any) store.Result {
	res, err := t.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return store.Result{Err: fmt.Errorf("%s on %s failed: %w", op, t.table, err)}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows; the write still landed.
		affected = -1
	}
	return store.Result{Data: map[string]any{"rows_affected": affected}}
}

// scanRows reads all rows into maps keyed by column name.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, 16)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if bs, ok := values[i].([]byte); ok {
				row[col] = string(bs)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
