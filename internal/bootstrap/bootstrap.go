// Package bootstrap opens the backends shared by the server and the indexer.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/internal/cache"
	"github.com/steemit/reelfeed/internal/db"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/internal/store/firestore"
	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
)

// Backend is an opened document store.
type Backend struct {
	Store  store.Client
	Health func(ctx context.Context) error
	Close  func() error
}

// LoadConfig reads an optional .env file and then the configuration.
func LoadConfig() (*config.Config, error) {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	return config.Load()
}

// OpenStore connects the document store selected by store_driver.
func OpenStore(ctx context.Context, cfg *config.Config) (*Backend, error) {
	logger := logging.WithComponent("bootstrap")

	switch cfg.Store.Driver {
	case "firestore":
		fs, err := firestore.New(ctx, &cfg.Store)
		if err != nil {
			return nil, err
		}
		logger.Info("Using firestore document store", zap.String("project", cfg.Store.FirestoreProject))
		return &Backend{Store: fs, Health: fs.Health, Close: fs.Close}, nil
	case "postgres":
		database, err := db.New(&cfg.Database, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logger.Info("Using postgres document store")
		return &Backend{
			Store:  db.NewDocumentStore(database),
			Health: database.Health,
			Close:  database.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// OpenCache connects Redis when it is configured. A nil cache means Redis is
// disabled; every cache method treats nil as disabled.
func OpenCache(cfg *config.Config) (*cache.Cache, error) {
	c, err := cache.New(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	if c == nil {
		logging.WithComponent("bootstrap").Warn("Redis disabled; fan-out refs fall back to the document store")
	}
	return c, nil
}
