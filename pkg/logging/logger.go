package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/steemit/reelfeed/pkg/config"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

// InitLogger builds the process logger from cfg and installs it.
func InitLogger(cfg *config.LoggingConfig) error {
	l, err := Build(cfg, zapcore.Lock(os.Stdout))
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// Build creates a logger that writes to out. The text format uses zap's
// console encoder; json uses the production encoder, or the Scalyr encoder
// when ScalyrFormat is set.
func Build(cfg *config.LoggingConfig, out zapcore.WriteSyncer) (*zap.Logger, error) {
	level := ParseLevel(cfg.Level)

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "text":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	case "json", "":
		if cfg.ScalyrFormat {
			enc = NewScalyrEncoder(scalyrEncoderConfig())
		} else {
			enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	core := zapcore.NewCore(enc, out, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// ParseLevel maps a configured level name to a zap level. Unknown names log
// at info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func scalyrEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	return ec
}

// SetLogger installs l as the global logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

// GetLogger returns the global logger, or a production logger when none was
// installed.
func GetLogger() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global, _ = zap.NewProduction()
	}
	return global
}

// WithSession scopes the logger to one feed session.
func WithSession(sessionID string) *zap.Logger {
	return GetLogger().With(zap.String("session_id", sessionID))
}

// WithComponent scopes the logger to a component.
func WithComponent(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}
