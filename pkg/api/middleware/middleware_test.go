package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/night-slayer18/dtypes/pkg/auth"
	"github.com/night-slayer18/dtypes/pkg/backend/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func okHandler(c *gin.Context) { c.String(http.StatusOK, "ok") }

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute})
	defer rl.Close()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "clients have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"), "one token per second refills")
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer rl.Close()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("idle")
	now = now.Add(2 * time.Minute)
	rl.Allow("busy")
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "idle")
	assert.Contains(t, rl.clients, "busy")
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 30, BurstSize: 1, CleanupInterval: time.Minute})
	defer rl.Close()

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/test", okHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	w := serve(r, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("orders:eu-1"))
	for _, bad := range []string{"", "has space", "tab\tkey", strings.Repeat("k", MaxKeyLength+1)} {
		var ve *ValidationError
		assert.ErrorAs(t, ValidateKey(bad), &ve, "%q", bad)
	}
	assert.Equal(t, "key: key is required", ValidateKey("").Error())
}

func TestKeyParam(t *testing.T) {
	r := gin.New()
	r.GET("/locks/:key", KeyParam("key"), okHandler)

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/locks/orders", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, httptest.NewRequest(http.MethodGet, "/locks/a%20b", nil)).Code)
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware(), SecurityHeadersMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestIDKey)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	assert.Equal(t, "abc", serve(r, req).Header().Get(RequestIDHeader))
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimitMiddleware(4))
	r.POST("/", okHandler)

	w := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(RequestIDMiddleware(), RequestLogger(zap.New(core)))
	r.GET("/ok", okHandler)
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, p := range []string{"/ok", "/bad", "/boom"} {
		serve(r, httptest.NewRequest(http.MethodGet, p, nil))
	}

	require.Equal(t, 3, logs.Len())
	entries := logs.All()
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.NotEmpty(t, entries[2].ContextMap()["request_id"])
}

func TestAdminMetricsUsesRouteTemplate(t *testing.T) {
	r := gin.New()
	r.Use(AdminMetrics())
	r.GET("/api/v1/locks/:key", okHandler)

	counter := AdminRequestsTotal.WithLabelValues("lock", "/api/v1/locks/:key", "2xx")
	before := testutil.ToFloat64(counter)
	serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/locks/a", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/locks/b", nil))
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Zero(t, testutil.ToFloat64(AdminRequestsInFlight))

	unmatched := AdminRequestsTotal.WithLabelValues("none", "unmatched", "4xx")
	before = testutil.ToFloat64(unmatched)
	serve(r, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(unmatched))
}

func TestAdminMetricsCountsDenials(t *testing.T) {
	r := gin.New()
	r.Use(AdminMetrics())
	r.GET("/api/v1/lists/:key", RequireRole(auth.RoleViewer), okHandler)
	r.GET("/api/v1/clocks/:key", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })

	denied := AdminDeniedTotal.WithLabelValues("unauthenticated")
	before := testutil.ToFloat64(denied)
	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/lists/jobs", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(denied))

	// a handler answering 401 itself was not refused by middleware
	serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/clocks/c", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(denied))
}

func TestPrimitiveOf(t *testing.T) {
	assert.Equal(t, "lock", primitiveOf("/api/v1/locks/:key"))
	assert.Equal(t, "rwlock", primitiveOf("/api/v1/rwlocks/:key"))
	assert.Equal(t, "apikey", primitiveOf("/api/v1/apikeys"))
	assert.Equal(t, "apikey", primitiveOf("/api/v1/apikeys/:id"))
	assert.Equal(t, "health", primitiveOf("/health"))
	assert.Equal(t, "none", primitiveOf("/api/v1/queues/:key"))
	assert.Equal(t, "none", primitiveOf(""))
	assert.Equal(t, "5xx", statusClass(http.StatusServiceUnavailable))
}

func TestAdminTracingRecordsServerSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(AdminTracing(tp.Tracer("test")))
	r.GET("/api/v1/barriers/:key", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/barriers/stage-1", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	w := serve(r, req)
	assert.NotEmpty(t, w.Header().Get(TraceIDHeader))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "admin GET /api/v1/barriers/:key", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())

	got := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "barrier", got["dtypes.primitive"])
	assert.Equal(t, "stage-1", got["dtypes.key"])
	assert.Equal(t, "req-7", got["dtypes.request_id"])
	assert.Equal(t, "503", got["http.status_code"])
}

func TestAdminTracingMarksDenials(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	r := gin.New()
	r.Use(AdminTracing(tp.Tracer("test")))
	r.GET("/api/v1/locks/:key", RequireRole(auth.RoleViewer), okHandler)

	serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/locks/orders", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "request denied", spans[0].Events()[0].Name)
	assert.Equal(t, "Unset", spans[0].Status().Code.String(), "a 401 is not a server error")
}

func TestAuthMiddleware(t *testing.T) {
	ctx := context.Background()
	jwtSvc, err := auth.NewJWTService(auth.DefaultJWTConfig("secret"))
	require.NoError(t, err)
	keys := auth.NewAPIKeyStore(memory.NewStore())
	viewerKey, _, err := keys.CreateKey(ctx, "dash", auth.RoleViewer, 0)
	require.NoError(t, err)
	adminToken, err := jwtSvc.GenerateToken("ops", auth.RoleAdmin)
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware(AuthConfig{JWTService: jwtSvc, APIKeyStore: keys, SkipPaths: []string{"/health"}}))
	r.GET("/health", okHandler)
	r.GET("/read", RequireRole(auth.RoleViewer), okHandler)
	r.POST("/write", RequireRole(auth.RoleAdmin), okHandler)
	r.GET("/method", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextAuthMethodKey)) })

	request := func(method, path string, header ...string) int {
		req := httptest.NewRequest(method, path, nil)
		if len(header) == 2 {
			req.Header.Set(header[0], header[1])
		}
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusOK, request(http.MethodGet, "/health"))
	assert.Equal(t, http.StatusUnauthorized, request(http.MethodGet, "/read"))
	assert.Equal(t, http.StatusUnauthorized, request(http.MethodGet, "/read", AuthHeaderKey, "Bearer nope"))
	assert.Equal(t, http.StatusOK, request(http.MethodGet, "/read", APIKeyHeaderKey, viewerKey))
	assert.Equal(t, http.StatusForbidden, request(http.MethodPost, "/write", APIKeyHeaderKey, viewerKey))
	assert.Equal(t, http.StatusOK, request(http.MethodPost, "/write", AuthHeaderKey, "Bearer "+adminToken))
	assert.Equal(t, http.StatusOK, request(http.MethodPost, "/write", AuthHeaderKey, "bearer "+adminToken))

	req := httptest.NewRequest(http.MethodGet, "/method", nil)
	req.Header.Set(APIKeyHeaderKey, viewerKey)
	assert.Equal(t, "apikey", serve(r, req).Body.String())
	req.Header.Set(AuthHeaderKey, "Bearer "+adminToken)
	assert.Equal(t, "jwt", serve(r, req).Body.String(), "bearer tokens are tried first")

	req = httptest.NewRequest(http.MethodGet, "/method", nil)
	req.Header.Set(AuthHeaderKey, "Bearer broken")
	req.Header.Set(APIKeyHeaderKey, viewerKey)
	assert.Equal(t, "apikey", serve(r, req).Body.String(), "a bad token falls through to the key")
}

func TestRequireRoleWithoutAuth(t *testing.T) {
	r := gin.New()
	r.GET("/", RequireRole(auth.RoleViewer), okHandler)
	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestMatchPath(t *testing.T) {
	assert.True(t, matchPath("/health", "/health"))
	assert.False(t, matchPath("/healthz", "/health"))
	assert.True(t, matchPath("/api/v1/x", "/api/*"))
	assert.False(t, matchPath("/metrics", "/api/*"))
}
