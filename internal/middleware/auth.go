package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nimbus-ide/internal/auth"
	"nimbus-ide/pkg/models"
)

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"kind":    "Forbidden",
			"message": message,
		},
	})
}

// Auth validates the bearer token and stores the caller's identity on the
// context. Tokens may arrive in the Authorization header or, for websocket
// clients that cannot set headers, the "token" query parameter.
func Auth(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		} else if q := c.Query("token"); q != "" {
			raw = q
		}
		if raw == "" {
			unauthorized(c, "authentication required")
			return
		}

		claims, err := tokens.Validate(raw)
		if err != nil {
			unauthorized(c, "invalid or expired token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// AdminOnly requires the admin role; must run after Auth.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error": gin.H{
					"kind":    "Forbidden",
					"message": "admin role required",
				},
			})
			return
		}
		c.Next()
	}
}
