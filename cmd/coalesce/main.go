package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basekick-labs/coalesce/internal/api"
	"github.com/basekick-labs/coalesce/internal/batch"
	"github.com/basekick-labs/coalesce/internal/config"
	"github.com/basekick-labs/coalesce/internal/logger"
	"github.com/basekick-labs/coalesce/internal/metrics"
	"github.com/basekick-labs/coalesce/internal/shutdown"
	"github.com/basekick-labs/coalesce/internal/store/sqlstore"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting coalesce...")

	st, err := sqlstore.Open(&sqlstore.Config{
		Backend:      cfg.Store.Backend,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
	}, logger.Get("store"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}

	m := metrics.New()
	batchCfg := toBatchConfig(cfg.Batch)
	batcher := batch.New(st, batch.Options{
		Config:  &batchCfg,
		Logger:  logger.Get("batch"),
		Metrics: m,
	})

	coordinator := shutdown.New(30*time.Second, logger.Get("shutdown"))
	coordinator.Register("batcher", shutdown.PriorityBatcher, func(ctx context.Context) error {
		batcher.Shutdown(ctx)
		return nil
	})
	coordinator.Register("store", shutdown.PriorityStore, func(ctx context.Context) error {
		return st.Close()
	})

	if cfg.Server.Enabled {
		server := api.NewServer(api.ServerConfig{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
		}, batcher, m, logger.Get("api"))
		server.Start()
		coordinator.Register("api-server", shutdown.PriorityAPI, server.Shutdown)
	}

	log.Info().
		Str("store_backend", cfg.Store.Backend).
		Int("max_batch_size", cfg.Batch.MaxBatchSize).
		Msg("coalesce ready")

	coordinator.WaitForSignal()
	if err := coordinator.Run(); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
		os.Exit(1)
	}
}

func toBatchConfig(bc config.BatchConfig) batch.Config {
	return batch.Config{
		MaxBatchSize:     bc.MaxBatchSize,
		BatchTimeout:     time.Duration(bc.BatchTimeoutMs) * time.Millisecond,
		MaxWaitTime:      time.Duration(bc.MaxWaitTimeMs) * time.Millisecond,
		PriorityQueues:   bc.PriorityQueues,
		RetryAttempts:    bc.RetryAttempts,
		RetryDelay:       time.Duration(bc.RetryDelayMs) * time.Millisecond,
		MaxConcurrentOps: bc.MaxConcurrentOps,
		SelectRowCap:     bc.SelectRowCap,
	}
}
