// Package connect turns a config.Config into a ready backend.Store.
package connect

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	config "github.com/night-slayer18/dtypes/configs"
	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/backend/etcd"
	"github.com/night-slayer18/dtypes/pkg/backend/memory"
	"github.com/night-slayer18/dtypes/pkg/backend/postgres"
	"github.com/night-slayer18/dtypes/pkg/backend/redis"
	"github.com/night-slayer18/dtypes/pkg/logger"
	"github.com/night-slayer18/dtypes/pkg/observability"
	"github.com/night-slayer18/dtypes/pkg/resilience"
)

type options struct {
	tracer trace.Tracer
	log    *zap.Logger
}

// Option configures Open.
type Option func(*options)

// WithTracer sets the tracer for store spans. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger replaces the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// Open connects to the backend cfg selects. The result is always
// instrumented, and guarded by a circuit breaker when cfg.Breaker.Enabled.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (backend.Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Named("connect")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidArgument, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, target, err := dial(cfg)
	if err != nil {
		o.log.Error("failed to connect to backing store",
			zap.String("backend", cfg.Backend),
			zap.String("target", target),
			zap.Error(err),
		)
		return nil, err
	}
	o.log.Info("connected to backing store",
		zap.String("backend", cfg.Backend),
		zap.String("target", target),
	)

	var store backend.Store = observability.InstrumentStore(raw, cfg.Backend, o.tracer)
	if cfg.Breaker.Enabled {
		bc := resilience.StoreBreakerConfig()
		if cfg.Breaker.FailureThreshold > 0 {
			bc.FailureThreshold = cfg.Breaker.FailureThreshold
		}
		if cfg.Breaker.Timeout > 0 {
			bc.Timeout = cfg.Breaker.Timeout
		}
		cb := resilience.NewCircuitBreaker(cfg.Backend, bc, resilience.WithBreakerLogger(o.log))
		store = resilience.BreakStore(store, cb)
	}
	return store, nil
}

func dial(cfg *config.Config) (backend.Store, string, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rc := redis.DefaultConfig(cfg.Redis.Addr)
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		if cfg.Redis.PoolSize > 0 {
			rc.PoolSize = cfg.Redis.PoolSize
		}
		if cfg.Redis.MinIdleConns > 0 {
			rc.MinIdleConns = cfg.Redis.MinIdleConns
		}
		if cfg.Redis.DialTimeout > 0 {
			rc.DialTimeout = cfg.Redis.DialTimeout
		}
		s, err := redis.NewStoreWithConfig(rc)
		return s, rc.Addr, err

	case config.BackendEtcd:
		ec := etcd.DefaultConfig(cfg.Etcd.Endpoints)
		ec.Username = cfg.Etcd.Username
		ec.Password = cfg.Etcd.Password
		if cfg.Etcd.Prefix != "" {
			ec.Prefix = cfg.Etcd.Prefix
		}
		if cfg.Etcd.DialTimeout > 0 {
			ec.DialTimeout = cfg.Etcd.DialTimeout
		}
		s, err := etcd.NewStore(ec)
		return s, fmt.Sprint(ec.Endpoints), err

	case config.BackendPostgres:
		pc := postgres.DefaultConfig(cfg.Postgres.DSN)
		pc.SweepSchedule = cfg.Postgres.SweepSchedule
		if cfg.Postgres.MaxOpenConns > 0 {
			pc.MaxOpenConns = cfg.Postgres.MaxOpenConns
		}
		if cfg.Postgres.MaxIdleConns > 0 {
			pc.MaxIdleConns = cfg.Postgres.MaxIdleConns
		}
		s, err := postgres.NewStore(pc)
		return s, "postgres", err

	case config.BackendMemory:
		s := memory.NewStore()
		return s, s.ID(), nil
	}
	return nil, "", fmt.Errorf("%w: unknown backend %q", backend.ErrInvalidArgument, cfg.Backend)
}
