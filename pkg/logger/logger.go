// Package logger holds the zap logger the primitives log through.
//
// A library should not write to stdout on its own, so until an
// application calls Init or Set every logger handed out is a no-op.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	config "github.com/night-slayer18/dtypes/configs"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
	nop    = zap.NewNop()
)

type Config struct {
	Level      string // debug, info, warn, error; empty means info
	Encoding   string // json or console
	OutputPath string // stdout, stderr or a file path
	Service    string
}

func DefaultConfig(service string) Config {
	return Config{
		Level:      "info",
		Encoding:   "json",
		OutputPath: "stderr",
		Service:    service,
	}
}

// ConfigFrom takes level and encoding from the loaded settings.
func ConfigFrom(service string, c *config.Config) Config {
	lc := DefaultConfig(service)
	if c.LogLevel != "" {
		lc.Level = c.LogLevel
	}
	if c.LogEncoding != "" {
		lc.Encoding = c.LogEncoding
	}
	return lc
}

// Init builds a logger from cfg and installs it.
func Init(cfg Config) (*zap.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	Set(l)
	return l, nil
}

// Set installs l for every component logger created afterwards. Set(nil)
// silences the package again.
func Set(l *zap.Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return nop
	}
	return global
}

// Named returns the installed logger scoped to one component, e.g. "mutex".
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

func WithFields(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

func Sync() error {
	return Get().Sync()
}

// New builds a logger without installing it.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder

	var enc zapcore.Encoder
	switch cfg.Encoding {
	case "", "json":
		enc = zapcore.NewJSONEncoder(ec)
	case "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("log encoding %q: want json or console", cfg.Encoding)
	}

	path := cfg.OutputPath
	if path == "" {
		path = "stderr"
	}
	out, _, err := zap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("log output: %w", err)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	return zap.New(zapcore.NewCore(enc, out, level), opts...), nil
}
