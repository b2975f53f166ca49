package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// Metrics records request counts and latency per route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := routeOf(c)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		telemetry.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			route,
		).Observe(duration.Seconds())
	}
}

// routeOf prefers the matched route template so ids never become label values.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
