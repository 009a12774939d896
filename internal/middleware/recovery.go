package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic in HTTP handler",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthCheck answers /health before any other middleware runs
func HealthCheck(serviceName string, status func() gin.H) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			body := gin.H{
				"status":  "healthy",
				"service": serviceName,
			}
			if status != nil {
				for k, v := range status() {
					body[k] = v
				}
			}
			c.JSON(http.StatusOK, body)
			c.Abort()
			return
		}
		c.Next()
	}
}
