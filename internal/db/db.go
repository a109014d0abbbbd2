package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/steemit/reelfeed/internal/models"
	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
)

const pingTimeout = 5 * time.Second

// DB is the postgres connection behind the document store.
type DB struct {
	*gorm.DB
}

// New connects to postgres, sizes the pool and, when configured, migrates
// the feed tables.
func New(cfg *config.DatabaseConfig, logLevel string) (*DB, error) {
	d, err := Open(postgres.Open(cfg.URL), logLevel)
	if err != nil {
		return nil, err
	}

	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := d.Health(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logging.WithComponent("db").Info("Database connection established",
		zap.Int("max_open_conns", cfg.MaxOpenConns))

	if cfg.AutoMigrate {
		if err := d.Migrate(ctx); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// Open wraps a dialector, e.g. one built over sqlmock in tests.
func Open(dialector gorm.Dialector, logLevel string) (*DB, error) {
	g, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newQueryLogger(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{DB: g}, nil
}

// Migrate creates or updates the feed tables.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.DB.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate feed tables: %w", err)
	}
	logging.WithComponent("db").Info("Feed tables migrated")
	return nil
}

func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *DB) Health(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// queryWriter sends gorm's log lines to zap.
type queryWriter struct {
	sugar *zap.SugaredLogger
}

func (w queryWriter) Printf(format string, args ...interface{}) {
	w.sugar.Infof(format, args...)
}

// newQueryLogger logs queries one level quieter than the application, so
// SQL only shows up under DEBUG.
func newQueryLogger(logLevel string) gormlogger.Interface {
	level := gormlogger.Warn
	switch logging.ParseLevel(logLevel) {
	case zapcore.DebugLevel:
		level = gormlogger.Info
	case zapcore.WarnLevel:
		level = gormlogger.Error
	case zapcore.ErrorLevel:
		level = gormlogger.Silent
	}
	return gormlogger.New(
		queryWriter{sugar: logging.WithComponent("gorm").Sugar()},
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		},
	)
}
