package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdminRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtypes",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin API requests by inspected primitive, route and status class",
		},
		[]string{"primitive", "route", "code"},
	)

	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dtypes",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin API latency, dominated by the store round trips of each inspection",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"primitive", "route"},
	)

	AdminRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dtypes",
			Subsystem: "admin",
			Name:      "requests_in_flight",
			Help:      "Admin API requests being served",
		},
	)

	AdminDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtypes",
			Subsystem: "admin",
			Name:      "denied_total",
			Help:      "Admin API requests refused before reaching a handler",
		},
		[]string{"reason"},
	)
)

// primitives maps the first path segment under /api/v1 to the primitive it inspects.
var primitives = map[string]string{
	"locks":    "lock",
	"rwlocks":  "rwlock",
	"barriers": "barrier",
	"clocks":   "clock",
	"lists":    "list",
	"apikeys":  "apikey",
}

// primitiveOf names what a route template inspects. Routes outside /api/v1
// are named after their path, e.g. "health".
func primitiveOf(route string) string {
	if route == "" {
		return "none"
	}
	rest, ok := strings.CutPrefix(route, "/api/v1/")
	if !ok {
		return strings.TrimPrefix(route, "/")
	}
	segment, _, _ := strings.Cut(rest, "/")
	if p, ok := primitives[segment]; ok {
		return p
	}
	return "none"
}

// statusClass collapses a status code to "2xx", "4xx" and so on.
func statusClass(status int) string {
	return string(rune('0'+status/100)) + "xx"
}

func deniedReason(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	}
	return ""
}

// AdminMetrics records every admin request under its route template, so
// /api/v1/locks/:key stays one series however many keys are inspected.
// Scrapes of /metrics are not counted.
func AdminMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		AdminRequestsInFlight.Inc()
		defer AdminRequestsInFlight.Dec()

		c.Next()

		route := c.FullPath()
		primitive := primitiveOf(route)
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		AdminRequestsTotal.WithLabelValues(primitive, route, statusClass(status)).Inc()
		AdminRequestDuration.WithLabelValues(primitive, route).Observe(time.Since(start).Seconds())
		if reason := deniedReason(status); reason != "" && c.IsAborted() {
			AdminDeniedTotal.WithLabelValues(reason).Inc()
		}
	}
}
