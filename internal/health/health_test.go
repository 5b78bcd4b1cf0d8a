package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(time.Second)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.RegisterPing("db", func(context.Context) error { return nil })
	r.RegisterPing("cache", func(context.Context) error { return errors.New("connection refused") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "db" || !statuses[0].Healthy {
		t.Fatalf("unexpected first status %+v", statuses[0])
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		time.Sleep(time.Second)
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy || statuses[0].Detail != "timed out" {
		t.Fatalf("expected timeout, got %+v", statuses[0])
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("CheckAll waited for the slow checker")
	}
}

func TestRegistryPanicIsUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("boom", func(context.Context) Status { panic("nil map") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy || statuses[0].Name != "boom" {
		t.Fatalf("expected unhealthy boom, got %+v", statuses)
	}
}

func TestRegisterLoop(t *testing.T) {
	r := NewRegistry(time.Second)
	running := false
	r.RegisterLoop("relay", func() bool { return running })

	if healthy, _ := r.CheckAll(context.Background()); healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
	running = true
	if healthy, _ := r.CheckAll(context.Background()); !healthy {
		t.Fatal("running loop should be healthy")
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry(time.Second)
	up := true
	r.RegisterLoop("timer", func() bool { return up })

	router := gin.New()
	router.GET("/health/ready", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	up = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
