package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDHeader echoes the trace of every sampled admin request.
const TraceIDHeader = "X-Trace-ID"

// AdminTracing opens a server span per admin request and continues any
// trace the caller propagated. The store spans of an inspection become its
// children, so one trace shows every round trip behind a lock or list view.
func AdminTracing(tracer trace.Tracer) gin.HandlerFunc {
	if tracer == nil {
		tracer = otel.Tracer("github.com/night-slayer18/dtypes/pkg/api")
	}
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		name := "admin " + c.Request.Method + " " + route
		if route == "" {
			name = "admin " + c.Request.Method + " unmatched"
		}
		attrs := []attribute.KeyValue{
			semconv.HTTPMethodKey.String(c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("dtypes.primitive", primitiveOf(route)),
			attribute.String("dtypes.request_id", c.GetString(ContextRequestIDKey)),
		}
		if key := c.Param("key"); key != "" {
			attrs = append(attrs, attribute.String("dtypes.key", key))
		}

		ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		if sc := span.SpanContext(); sc.IsSampled() {
			c.Header(TraceIDHeader, sc.TraceID().String())
		}

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if method := c.GetString(ContextAuthMethodKey); method != "" {
			span.SetAttributes(attribute.String("dtypes.auth_method", method))
		}
		if reason := deniedReason(status); reason != "" && c.IsAborted() {
			span.AddEvent("request denied", trace.WithAttributes(attribute.String("reason", reason)))
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		for _, err := range c.Errors {
			span.RecordError(err.Err)
		}
	}
}
