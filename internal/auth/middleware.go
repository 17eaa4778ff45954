package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key holding the validated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAccountAddr is the gin context key holding the authenticated
	// account address. Handlers read it with c.GetString.
	ContextKeyAccountAddr = "authAccountAddr"
)

// Middleware resolves the API key from the Authorization or X-API-Key
// header and, when valid, stores the key and account address in the
// request context. Invalid or absent keys pass through unauthenticated;
// RequireAuth is what rejects them.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			if key, err := m.ValidateKey(c.Request.Context(), apiKey); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAccountAddr, key.AccountAddr)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyAPIKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the validated API key from the request context.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	return key.(*APIKey), true
}
