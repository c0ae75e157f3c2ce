package middleware

import (
	"net/http"
	"runtime/debug"

	"receiptflow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Recovery turns a panic anywhere below it into a 500 response. The request
// context carries the request id and user id, so the stack trace lands on a
// log line an operator can tie back to the failing call.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"panic", r,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "Internal server error",
					"request_id": GetRequestID(c),
				})
			}
		}()

		c.Next()
	}
}
