package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "op-secret"

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore(), nil)
	rawKey, key, _ := mgr.GenerateKey(context.Background(), alice, "test-key", false)
	return mgr, rawKey, key
}

func runMiddleware(mgr *Manager, headers map[string]string) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	Middleware(mgr, testSecret)(c)
	return c
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, key := setupMiddlewareTest()

	c := runMiddleware(mgr, map[string]string{"Authorization": "Bearer " + rawKey})

	if got := GetIdentity(c); got != alice {
		t.Errorf("Expected identity %s, got %q", alice, got)
	}
	k, ok := GetAPIKey(c)
	if !ok || k.ID != key.ID {
		t.Error("Expected API key in context")
	}
	if IsAdmin(c) {
		t.Error("a key alone is not admin")
	}
}

func TestMiddleware_XAPIKeyHeader(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c := runMiddleware(mgr, map[string]string{"X-API-Key": rawKey})
	if GetIdentity(c) != alice {
		t.Error("X-API-Key header should authenticate")
	}
}

func TestMiddleware_InvalidKey_NoIdentity(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c := runMiddleware(mgr, map[string]string{"Authorization": "sk_bogus"})
	if GetIdentity(c) != "" {
		t.Error("invalid key must not set an identity")
	}
	if c.IsAborted() {
		t.Error("Middleware itself never aborts")
	}
}

func TestMiddleware_AdminSecret(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	if c := runMiddleware(mgr, map[string]string{AdminHeader: testSecret}); !IsAdmin(c) {
		t.Error("matching secret should set admin")
	}
	if c := runMiddleware(mgr, map[string]string{AdminHeader: "wrong"}); IsAdmin(c) {
		t.Error("wrong secret must not set admin")
	}
}

func TestMiddleware_EmptySecretClosesAdmin(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set(AdminHeader, "")
	Middleware(mgr, "")(c)

	if IsAdmin(c) {
		t.Error("no configured secret means no admin")
	}
}

// --- RequireAuth() / RequireAdmin() ---

func guardedRouter(mgr *Manager, guard gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr, testSecret))
	r.GET("/guarded", guard, func(c *gin.Context) {
		c.String(http.StatusOK, GetIdentity(c))
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()
	r := guardedRouter(mgr, RequireAuth())

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"bad key", "Authorization", "sk_nope", http.StatusUnauthorized},
		{"valid key", "Authorization", rawKey, http.StatusOK},
		{"admin secret", AdminHeader, testSecret, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/guarded", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()
	r := guardedRouter(mgr, RequireAdmin())

	req := httptest.NewRequest("GET", "/guarded", nil)
	req.Header.Set("Authorization", rawKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("key holder without secret: expected 403, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/guarded", nil)
	req.Header.Set(AdminHeader, testSecret)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}
}
