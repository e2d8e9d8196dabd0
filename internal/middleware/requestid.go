package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the canonical HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string is stored so
	// that handlers and other middleware can retrieve it without reading the response header.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware returns a Gin handler that ensures every request carries
// a unique identifier propagated as an X-Request-ID HTTP header.
//
// An inbound X-Request-ID (set by an upstream load balancer or caller) is
// reused unchanged; otherwise a new UUID v4 is generated. The identifier is
// stored in gin.Context under RequestIDKey and echoed back in the response
// header so clients can correlate their request with server-side logs.
//
// Register this middleware as early as possible so all downstream logging
// includes the ID:
//
//	router.Use(gin.Recovery())
//	router.Use(RequestIDMiddleware())
//	router.Use(MetricsMiddleware())
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
