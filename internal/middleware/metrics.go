// Package middleware provides the Gin HTTP middleware stack: request IDs,
// Prometheus metrics, scheduler-route authentication, and per-tenant rate
// limiting. Everything here is registered in internal/api/router.go before
// any route handlers so every request is covered regardless of handler.
package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classml/classml/internal/telemetry"
)

// MetricsMiddleware returns a Gin handler that records request count and
// duration metrics for every request passing through the router.
//
// The path label is set from c.FullPath(), the matched route template (e.g.
// /api/scratch/:scratchkey/classify) rather than the raw URL. Requests that
// match no registered route use the literal "<no-route>" so unhandled paths
// do not inflate label cardinality.
//
// Register AFTER gin.Recovery() and RequestIDMiddleware so the status set by
// error handlers is captured correctly.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
