package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey holds the validated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyIdentity holds the identity the request acts for.
	ContextKeyIdentity = "authIdentity"
	// ContextKeyAdmin is true when the request carried the admin secret.
	ContextKeyAdmin = "authAdmin"

	// AdminHeader carries the operator secret.
	AdminHeader = "X-Admin-Secret"
)

// Middleware extracts and validates credentials. A valid API key sets the
// identity; a matching admin secret sets the admin flag. Invalid
// credentials are ignored here and rejected by RequireAuth.
func Middleware(m *Manager, adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyIdentity, key.Identity)
			}
		}

		if adminSecret != "" && secretMatches(c.GetHeader(AdminHeader), adminSecret) {
			c.Set(ContextKeyAdmin, true)
		}

		c.Next()
	}
}

// RequireAuth rejects requests that carry neither a valid key nor the
// admin secret.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetIdentity(c) == "" && !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests without the admin secret. With no secret
// configured admin routes are closed.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required.",
			})
			return
		}
		c.Next()
	}
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetIdentity returns the authenticated identity, or "".
func GetIdentity(c *gin.Context) string {
	return c.GetString(ContextKeyIdentity)
}

// IsAdmin reports whether the request carried the admin secret.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
