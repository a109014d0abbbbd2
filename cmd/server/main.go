package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/api"
	"github.com/steemit/reelfeed/internal/bootstrap"
	"github.com/steemit/reelfeed/internal/cache"
	"github.com/steemit/reelfeed/internal/fanout"
	"github.com/steemit/reelfeed/internal/feed"
	"github.com/steemit/reelfeed/internal/media"
	"github.com/steemit/reelfeed/internal/session"
	"github.com/steemit/reelfeed/internal/storage"
	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Server stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.GetLogger()
	logger.Info("Starting Reelfeed API server")

	stopTelemetry, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer stopTelemetry()

	backend, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer backend.Close()

	redisCache, err := bootstrap.OpenCache(cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisCache.Close()

	engine, err := newEngine(cfg, redisCache)
	if err != nil {
		return err
	}

	var refs feed.RefSource = feed.NewStoreRefs(backend.Store)
	if redisCache != nil {
		refs = fanout.NewIndex(redisCache, cfg.Fanout.MaxRefs)
	}
	interactions := feed.NewStoreInteractions(backend.Store)
	registry := session.NewRegistry(session.Deps{
		Store:        backend.Store,
		Refs:         refs,
		Overlays:     interactions,
		Interactions: interactions,
		Engine:       engine,
	}, cfg.Feed, cfg.Media)
	defer registry.CloseAll()

	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewRouter(registry, map[string]api.HealthCheck{
		"store": backend.Health,
		"redis": redisCache.Health,
	}).SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("address", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server", zap.Int("sessions", registry.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newEngine builds the HTTP media engine. Storage object keys are resolved
// through presigned URLs only when an object storage endpoint is configured.
func newEngine(cfg *config.Config, redisCache *cache.Cache) (media.Engine, error) {
	var resolver media.URIResolver
	if cfg.Storage.Endpoint != "" {
		r, err := storage.NewMinioResolver(&cfg.Storage, redisCache)
		if err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		resolver = r
	}
	client := &http.Client{Timeout: cfg.Media.WarmTimeout}
	return media.NewHTTPEngine(client, resolver, cfg.Media.WarmBytes), nil
}
