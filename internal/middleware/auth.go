// auth.go protects the /internal routes. The expiry sweep and job drain are
// invoked by an external cron-like trigger, which authenticates with a signed
// bearer token rather than a user session.
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SchedulerClaims is the token payload the external scheduler presents.
type SchedulerClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// SchedulerAuthMiddleware validates the Bearer token on scheduler routes.
// Tokens must be HMAC-signed with the shared scheduler secret and carry the
// "scheduler" scope.
func SchedulerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		claims := &SchedulerClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}
		if claims.Scope != "scheduler" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Token does not carry the scheduler scope",
			})
			return
		}

		c.Next()
	}
}
