package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"secureconnect-callagent/pkg/jwt"
	"secureconnect-callagent/pkg/response"
)

// AuthMiddleware creates a Gin middleware that only admits tokens issued to
// the agent user. It sets user_id and username in the Gin context.
// Parameters:
//   - jwtManager: JWT manager for token validation
//   - agentUserID: the user the agent acts for
func AuthMiddleware(jwtManager *jwt.JWTManager, agentUserID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		identity, err := jwtManager.Identify(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if identity.UserID.String() != agentUserID {
			response.Unauthorized(c, "Token belongs to another user")
			c.Abort()
			return
		}

		c.Set("user_id", identity.UserID)
		c.Set("username", identity.Username)
		c.Next()
	}
}
