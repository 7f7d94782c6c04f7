package middleware

import (
	"crypto/subtle"
	"net/http"

	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key holding the authenticated user ID
const UserIDKey = "user_id"

// UserAuthMiddleware trusts the user identity asserted by the API gateway.
// When gatewaySecret is set, requests must also carry it in X-Gateway-Key.
func UserAuthMiddleware(gatewaySecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gatewaySecret != "" {
			key := c.GetHeader("X-Gateway-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(gatewaySecret)) != 1 {
				c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid gateway key"))
				c.Abort()
				return
			}
		}

		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Missing X-User-ID"))
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// PubSubTokenMiddleware checks the shared token Pub/Sub appends to the push
// endpoint URL. An empty token disables the check.
func PubSubTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid push token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user ID set by UserAuthMiddleware
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
