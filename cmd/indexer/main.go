package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/bootstrap"
	"github.com/steemit/reelfeed/internal/fanout"
	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Reelfeed fan-out indexer")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open document store", zap.Error(err))
	}
	defer backend.Close()

	redisCache, err := bootstrap.OpenCache(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()

	// The store copy is authoritative; the Redis index is what the server
	// reads when Redis is enabled.
	writers := []fanout.RefWriter{feed.NewStoreRefs(backend.Store)}
	if redisCache != nil {
		writers = append(writers, fanout.NewIndex(redisCache, cfg.Fanout.MaxRefs))
	}

	indexer := fanout.NewIndexer(backend.Store, redisCache, cfg.Fanout, writers...)
	if err := indexer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Indexer stopped", zap.Error(err))
	}

	logger.Info("Indexer exited")
}
