// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements bearer-token authentication. The middleware is
// decoupled from token mechanics via the TokenVerifier type so the HTTP
// layer never sees signing keys.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the Gin context key under which the authenticated user ID
// is stored.
const UserIDKey = "userID"

// TokenVerifier checks a bearer token and returns the user ID it names.
type TokenVerifier func(token string) (string, error)

// Auth returns middleware that requires a valid "Authorization: Bearer"
// header and stores the verified user ID in the Gin context. Requests
// without a valid token are rejected with 401 before reaching handlers.
func Auth(verify TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			unauthorized(c)
			return
		}
		uid, err := verify(strings.TrimSpace(raw[len(prefix):]))
		if err != nil || uid == "" {
			unauthorized(c)
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// UserID returns the authenticated user ID set by Auth, or "".
func UserID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    "missing or invalid bearer token",
	})
}
