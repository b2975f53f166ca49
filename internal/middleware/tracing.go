package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// Tracing starts a server span per request and hands its context to the handlers.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route template keeps span names low-cardinality
		route := routeOf(c)

		ctx, span := telemetry.Tracer.Start(c.Request.Context(), "HTTP "+c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", c.Request.URL.Path),
				attribute.String("http.user_agent", c.Request.UserAgent()),
			),
		)
		defer span.End()

		// Update context
		c.Request = c.Request.WithContext(ctx)

		// Process request
		start := time.Now()
		c.Next()

		// Add response attributes
		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Float64("http.duration_ms", float64(time.Since(start).Milliseconds())),
		)

		// Set error status on server errors only
		if status >= 500 {
			span.SetStatus(codes.Error, "HTTP error")
		}
	}
}
