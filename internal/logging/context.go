package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const traceHeader = "X-Trace-ID"

// FromContext retrieves the logger stored in ctx, or fallback
func FromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}

// NewContext returns ctx carrying l
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// WithTraceContext tags l with a fresh trace id and stores it in ctx
func WithTraceContext(ctx context.Context, l zerolog.Logger) (context.Context, zerolog.Logger) {
	traced := l.With().Str("trace_id", uuid.NewString()).Logger()
	return traced.WithContext(ctx), traced
}

// GinMiddleware logs each request with a trace id and stores the request
// logger in the request context.
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	base = base.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		l := base.With().
			Str("trace_id", traceID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Header(traceHeader, traceID)

		c.Next()

		l.Debug().
			Int("status_code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	}
}
