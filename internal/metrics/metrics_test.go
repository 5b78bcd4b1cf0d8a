package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Error("Expected non-empty metrics response")
	}

	// Gauges always appear; counters/histograms only after first observation.
	// Check gauges are present (always exported with default 0 value)
	for _, name := range []string{
		"trustforge_active_websocket_clients",
		"trustforge_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	// Trigger a counter so we can verify it appears
	RateLimitedTotal.Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	if !strings.Contains(body, "trustforge_http_rate_limited_total") {
		t.Error("Expected trustforge_http_rate_limited_total after incrementing")
	}
}
func TestRecordDBStats(t *testing.T) {
	RecordDBStats(sql.DBStats{OpenConnections: 7, Idle: 3, InUse: 4, WaitCount: 2, WaitDuration: 1500 * time.Millisecond})

	if got := gaugeValue(t, DBConnections.WithLabelValues("open")); got != 7 {
		t.Errorf("open = %v, want 7", got)
	}
	if got := gaugeValue(t, DBConnections.WithLabelValues("in_use")); got != 4 {
		t.Errorf("in_use = %v, want 4", got)
	}
	if got := gaugeValue(t, DBWaits.WithLabelValues("seconds")); got != 1.5 {
		t.Errorf("wait seconds = %v, want 1.5", got)
	}
	if got := gaugeValue(t, GoroutineCount); got < 1 {
		t.Errorf("goroutines = %v", got)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var m dto.Metric
	if err := HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Error("request counter not incremented")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/nope/123", nil))
	var unmatched dto.Metric
	if err := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx").Write(&unmatched); err != nil {
		t.Fatal(err)
	}
	if unmatched.GetCounter().GetValue() < 1 {
		t.Error("unmatched route not bucketed")
	}
}
