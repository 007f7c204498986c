package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationHeader carries the per-request correlation identifier. The
// engine propagates it unchanged into every audit record.
const CorrelationHeader = "X-Correlation-ID"

const correlationKey = "correlation_id"

// correlationMiddleware accepts the caller's correlation identifier or
// assigns one, and echoes it on the response.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(CorrelationHeader, id)
		c.Set(correlationKey, id)
		c.Next()
	}
}

// correlationID reads the identifier set by correlationMiddleware.
func correlationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, "+CorrelationHeader)
		c.Header("Access-Control-Expose-Headers", "Content-Length, "+CorrelationHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
