// Command admin serves the dtypes admin API against the configured backing
// store. All settings come from DTYPES_* environment variables or .env.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	config "github.com/night-slayer18/dtypes/configs"
	"github.com/night-slayer18/dtypes/pkg/api"
	"github.com/night-slayer18/dtypes/pkg/api/middleware"
	"github.com/night-slayer18/dtypes/pkg/auth"
	"github.com/night-slayer18/dtypes/pkg/backend/connect"
	"github.com/night-slayer18/dtypes/pkg/logger"
	"github.com/night-slayer18/dtypes/pkg/observability"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	log, err := logger.Init(logger.ConfigFrom("dtypes-admin", cfg))
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.Init(ctx, observability.ConfigFrom("dtypes-admin", cfg))
	if err != nil {
		log.Fatal("failed to initialise tracing", zap.Error(err))
	}

	store, err := connect.Open(ctx, cfg, connect.WithTracer(tracing.Tracer()))
	if err != nil {
		log.Fatal("failed to open backing store", zap.Error(err))
	}
	defer store.Close()

	var authCfg *middleware.AuthConfig
	if cfg.Admin.JWTSecret != "" {
		jwtSvc, err := auth.NewJWTService(auth.DefaultJWTConfig(cfg.Admin.JWTSecret))
		if err != nil {
			log.Fatal("failed to configure authentication", zap.Error(err))
		}
		authCfg = &middleware.AuthConfig{
			JWTService:  jwtSvc,
			APIKeyStore: auth.NewAPIKeyStore(store),
		}
	}

	rl := middleware.DefaultRateLimiterConfig()
	rl.RequestsPerMinute = cfg.Admin.RequestsPerMinute
	rl.BurstSize = cfg.Admin.Burst

	gin.SetMode(gin.ReleaseMode)
	server, err := api.NewServer(api.Config{
		Addr:      cfg.Admin.Addr,
		Store:     store,
		Auth:      authCfg,
		RateLimit: rl,
		Tracer:    tracing.Tracer(),
		Logger:    log.Named("api"),
	})
	if err != nil {
		log.Fatal("failed to build admin API", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			log.Error("admin API stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to flush traces", zap.Error(err))
	}
	log.Info("shutdown complete")
}
