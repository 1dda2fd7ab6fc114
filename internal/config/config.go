package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for coalesce.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Batch  BatchConfig
	Log    LogConfig
}

type ServerConfig struct {
	Enabled bool // serve the status API
	Host    string
	Port    int
}

type StoreConfig struct {
	Backend      string // sqlite, duckdb, or postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type BatchConfig struct {
	MaxBatchSize     int  // records per batch
	BatchTimeoutMs   int  // tick period in milliseconds
	MaxWaitTimeMs    int  // advisory wait before a record counts as overdue
	PriorityQueues   bool // priority-ordered extraction
	RetryAttempts    int  // total attempts per write record
	RetryDelayMs     int  // base backoff, doubled per attempt
	MaxConcurrentOps int  // operation groups executing in parallel
	SelectRowCap     int  // row bound on combined selects
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from defaults, an optional coalesce.toml, and
// COALESCE_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COALESCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("coalesce")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coalesce/")
	v.AddConfigPath("$HOME/.coalesce/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file is fine, defaults and env apply.
	}

	cfg := &Config{
		Server: ServerConfig{
			Enabled: v.GetBool("server.enabled"),
			Host:    v.GetString("server.host"),
			Port:    v.GetInt("server.port"),
		},
		Store: StoreConfig{
			Backend:      v.GetString("store.backend"),
			DSN:          v.GetString("store.dsn"),
			MaxOpenConns: v.GetInt("store.max_open_conns"),
			MaxIdleConns: v.GetInt("store.max_idle_conns"),
		},
		Batch: BatchConfig{
			MaxBatchSize:     v.GetInt("batch.max_batch_size"),
			BatchTimeoutMs:   v.GetInt("batch.batch_timeout_ms"),
			MaxWaitTimeMs:    v.GetInt("batch.max_wait_time_ms"),
			PriorityQueues:   v.GetBool("batch.priority_queues"),
			RetryAttempts:    v.GetInt("batch.retry_attempts"),
			RetryDelayMs:     v.GetInt("batch.retry_delay_ms"),
			MaxConcurrentOps: v.GetInt("batch.max_concurrent_ops"),
			SelectRowCap:     v.GetInt("batch.select_row_cap"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be positive, got %d", c.Batch.MaxBatchSize)
	}
	if c.Batch.BatchTimeoutMs <= 0 {
		return fmt.Errorf("batch.batch_timeout_ms must be positive, got %d", c.Batch.BatchTimeoutMs)
	}
	if c.Batch.RetryAttempts <= 0 {
		return fmt.Errorf("batch.retry_attempts must be positive, got %d", c.Batch.RetryAttempts)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Status API defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8070)

	// Store defaults
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.dsn", "./data/coalesce.db")
	v.SetDefault("store.max_open_conns", 4)
	v.SetDefault("store.max_idle_conns", 2)

	// Batching defaults
	v.SetDefault("batch.max_batch_size", 10)
	v.SetDefault("batch.batch_timeout_ms", 50)
	v.SetDefault("batch.max_wait_time_ms", 500)
	v.SetDefault("batch.priority_queues", true)
	v.SetDefault("batch.retry_attempts", 3)
	v.SetDefault("batch.retry_delay_ms", 100)
	v.SetDefault("batch.max_concurrent_ops", 4)
	v.SetDefault("batch.select_row_cap", 1000)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
