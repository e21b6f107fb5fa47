package middleware

import (
	"net/http"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RequestIDHeader     = "X-Request-ID"
	ContextRequestIDKey = "request_id"

	// MaxKeyLength bounds the primitive keys the API accepts in paths.
	MaxKeyLength = 512
)

// RequestIDMiddleware reuses the caller's X-Request-ID or assigns one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger logs one line per request. Server errors log at Error,
// client errors at Warn, everything else at Debug.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(ContextRequestIDKey)),
		}
		if method := c.GetString(ContextAuthMethodKey); method != "" {
			fields = append(fields, zap.String("auth", method))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request rejected", fields...)
		default:
			log.Debug("request served", fields...)
		}
	}
}

// ValidationError is the body of a 400 response.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateKey checks a primitive key taken from a request.
func ValidateKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "key", Message: "key is required"}
	}
	if len(key) > MaxKeyLength {
		return &ValidationError{Field: "key", Message: "key exceeds maximum length"}
	}
	for _, r := range key {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return &ValidationError{Field: "key", Message: "key contains whitespace or control characters"}
		}
	}
	return nil
}

// KeyParam rejects requests whose named path parameter is not a valid key.
func KeyParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ValidateKey(c.Param(name)); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, err)
			return
		}
		c.Next()
	}
}
