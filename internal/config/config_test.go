package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir stands in for testing.T.Chdir, which needs Go 1.24+.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir()) // keep any local coalesce.toml out of the picture

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 8070, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 10, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 50, cfg.Batch.BatchTimeoutMs)
	assert.Equal(t, 500, cfg.Batch.MaxWaitTimeMs)
	assert.True(t, cfg.Batch.PriorityQueues)
	assert.Equal(t, 3, cfg.Batch.RetryAttempts)
	assert.Equal(t, 100, cfg.Batch.RetryDelayMs)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrentOps)
	assert.Equal(t, 1000, cfg.Batch.SelectRowCap)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("COALESCE_BATCH_MAX_BATCH_SIZE", "25")
	t.Setenv("COALESCE_STORE_BACKEND", "duckdb")
	t.Setenv("COALESCE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Batch.MaxBatchSize)
	assert.Equal(t, "duckdb", cfg.Store.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	toml := `
[server]
port = 9090

[batch]
max_batch_size = 40
priority_queues = false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coalesce.toml"), []byte(toml), 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 40, cfg.Batch.MaxBatchSize)
	assert.False(t, cfg.Batch.PriorityQueues)
	// Untouched keys keep their defaults.
	assert.Equal(t, 50, cfg.Batch.BatchTimeoutMs)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"non-positive batch size", "COALESCE_BATCH_MAX_BATCH_SIZE", "0"},
		{"non-positive timeout", "COALESCE_BATCH_BATCH_TIMEOUT_MS", "-5"},
		{"non-positive retries", "COALESCE_BATCH_RETRY_ATTEMPTS", "0"},
		{"port out of range", "COALESCE_SERVER_PORT", "70000"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
