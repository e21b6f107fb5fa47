// Package api serves a small admin HTTP API. It lets operators inspect
// the state of locks, barriers, clocks and lists kept in a backend.Store,
// and manage the API keys used to reach it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/api/middleware"
	"github.com/night-slayer18/dtypes/pkg/auth"
	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/logger"
	"github.com/night-slayer18/dtypes/pkg/resilience"
)

const requestTimeout = 5 * time.Second

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter

	store   backend.Store
	apiKeys auth.APIKeyStore
	log     *zap.Logger
}

type Config struct {
	Addr  string
	Store backend.Store

	// Auth nil leaves every route open and registers no key management routes.
	Auth      *middleware.AuthConfig
	RateLimit middleware.RateLimiterConfig
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: nil store", backend.ErrInvalidArgument)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("api")
	}

	router := gin.New()
	limiter := middleware.NewRateLimiter(cfg.RateLimit)

	// Order matters: ids and spans first so every later log line carries them.
	router.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("handler panicked", zap.Any("panic", rec), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.AdminTracing(cfg.Tracer))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.AdminMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(limiter.Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(64 << 10))

	s := &Server{
		router:  router,
		limiter: limiter,
		store:   cfg.Store,
		log:     log,
	}

	if cfg.Auth != nil {
		ac := *cfg.Auth
		ac.SkipPaths = append(ac.SkipPaths, "/health", "/metrics")
		if ac.Logger == nil {
			ac.Logger = log
		}
		router.Use(middleware.AuthMiddleware(ac))
		s.apiKeys = ac.APIKeyStore
	} else {
		log.Warn("admin API authentication disabled")
	}

	s.registerRoutes(cfg.Auth != nil)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.Info("starting admin API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down admin API")
	defer s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(authEnabled bool) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if authEnabled {
		v1.Use(middleware.RequireRole(auth.RoleViewer))
	}
	{
		key := middleware.KeyParam("key")
		v1.GET("/locks/:key", key, s.getLock)
		v1.GET("/rwlocks/:key", key, s.getRWLock)
		v1.GET("/barriers/:key", key, s.getBarrier)
		v1.GET("/clocks/:key", key, s.getClock)
		v1.GET("/lists/:key", key, s.getList)
	}

	if authEnabled && s.apiKeys != nil {
		keys := v1.Group("/apikeys", middleware.RequireRole(auth.RoleAdmin))
		keys.POST("", s.createAPIKey)
		keys.DELETE("/:id", s.revokeAPIKey)
	}
}

// healthCheck does one read against the store. When the store sits behind
// a circuit breaker the breaker's state is reported too.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"timestamp": time.Now().UTC()}
	if b, ok := s.store.(interface {
		Breaker() *resilience.CircuitBreaker
	}); ok {
		body["breaker"] = b.Breaker().Snapshot()
	}

	if _, _, err := s.store.Get(ctx, "health:check"); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	c.JSON(http.StatusOK, body)
}
