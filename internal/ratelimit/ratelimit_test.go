package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"

	"github.com/skillxchange/trustforge/internal/metrics"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should be allowed")
	}
}

func TestEvictIdle(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1})
	defer limiter.Stop()

	limiter.Allow("gone")
	if limiter.Allow("gone") {
		t.Fatal("second request should be limited")
	}
	limiter.evictIdle(time.Now().Add(time.Second))
	if !limiter.Allow("gone") {
		t.Error("evicted client starts with a fresh bucket")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 0.01, BurstSize: 2})
	defer limiter.Stop()

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Identity"); id != "" {
			c.Set("authIdentity", id)
		}
		c.Next()
	})
	router.Use(limiter.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	hit := func(identity string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if identity != "" {
			req.Header.Set("X-Identity", identity)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	before := rejected()
	for i := 0; i < 2; i++ {
		if code := hit(""); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := hit(""); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if got := rejected() - before; got != 1 {
		t.Errorf("expected one rejection counted, got %v", got)
	}

	// An authenticated identity has its own bucket even from the same IP.
	if code := hit("0xaaaa000000000000000000000000000000000001"); code != http.StatusOK {
		t.Errorf("identity bucket should be separate, got %d", code)
	}
}

func rejected() float64 {
	var m dto.Metric
	if err := metrics.RateLimitedTotal.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
