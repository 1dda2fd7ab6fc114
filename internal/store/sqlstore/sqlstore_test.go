package sqlstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().Exec(`CREATE TABLE robots (id INTEGER PRIMARY KEY, name TEXT, kind TEXT)`)
	require.NoError(t, err)
	return s
}

func TestDriverName(t *testing.T) {
	cases := map[string]string{
		"":         "sqlite3",
		"sqlite":   "sqlite3",
		"sqlite3":  "sqlite3",
		"duckdb":   "duckdb",
		"postgres": "pgx",
		"pgx":      "pgx",
	}
	for backend, want := range cases {
		got, err := driverName(backend)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := driverName("mongodb")
	assert.Error(t, err)
}

func TestStore_InsertAndSelect(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := s.From("robots").Insert(ctx, []map[string]any{
		{"id": 1, "name": "r2d2", "kind": "astromech"},
		{"id": 2, "name": "c3po", "kind": "protocol"},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]any{"rows_affected": int64(2)}, res.Data)

	res = s.From("robots").Select(ctx, nil, 0)
	require.NoError(t, res.Err)
	rows := res.Data.([]map[string]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "r2d2", rows[0]["name"])
}

func TestStore_SelectProjectionAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.From("robots").Insert(ctx, []map[string]any{
		{"id": 1, "name": "a", "kind": "x"},
		{"id": 2, "name": "b", "kind": "x"},
		{"id": 3, "name": "c", "kind": "x"},
	}).Err)

	res := s.From("robots").Select(ctx, []string{"name"}, 2)
	require.NoError(t, res.Err)
	rows := res.Data.([]map[string]any)
	require.Len(t, rows, 2)
	_, hasKind := rows[0]["kind"]
	assert.False(t, hasKind, "projection must exclude unselected columns")
}

func TestStore_Update(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.From("robots").Insert(ctx, []map[string]any{
		{"id": 1, "name": "a", "kind": "x"},
		{"id": 2, "name": "b", "kind": "y"},
	}).Err)

	res := s.From("robots").Update(ctx, map[string]any{"kind": "z"}, map[string]any{"id": 1})
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]any{"rows_affected": int64(1)}, res.Data)

	res = s.From("robots").Select(ctx, nil, 0)
	require.NoError(t, res.Err)
	rows := res.Data.([]map[string]any)
	assert.Equal(t, "z", rows[0]["kind"])
	assert.Equal(t, "y", rows[1]["kind"])
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.From("robots").Insert(ctx, []map[string]any{
		{"id": 1, "name": "a", "kind": "x"},
		{"id": 2, "name": "b", "kind": "y"},
	}).Err)

	res := s.From("robots").Delete(ctx, map[string]any{"kind": "x"})
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]any{"rows_affected": int64(1)}, res.Data)

	res = s.From("robots").Select(ctx, nil, 0)
	require.NoError(t, res.Err)
	assert.Len(t, res.Data.([]map[string]any), 1)
}

func TestStore_EmptyWritesRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.From("robots").Insert(ctx, nil).Err)
	assert.Error(t, s.From("robots").Update(ctx, nil, map[string]any{"id": 1}).Err)
}

func TestStore_ErrorsSurfaceAsResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res := s.From("no_such_table").Select(ctx, nil, 0)
	assert.Error(t, res.Err)

	res = s.From("no_such_table").Delete(ctx, nil)
	assert.Error(t, res.Err)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(&Config{Backend: "mongodb", DSN: "x"}, zerolog.Nop())
	assert.Error(t, err)
}
