package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         4,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 4; i++ {
		if !limiter.Allow("agent-1") {
			t.Errorf("Request %d within burst should be allowed", i)
		}
	}
	if limiter.Allow("agent-1") {
		t.Error("Request beyond burst should be denied")
	}

	// One token replenishes per second at 60/min
	time.Sleep(1100 * time.Millisecond)
	if !limiter.Allow("agent-1") {
		t.Error("Request after replenishment should be allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	limiter.Allow("agent-1")
	limiter.Allow("agent-1")
	if limiter.Allow("agent-1") {
		t.Error("Exhausted key should be limited")
	}
	if !limiter.Allow("ops-console") {
		t.Error("Fresh key must not share the exhausted bucket")
	}
}

func TestAllow_TokensCapAtBurst(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 6000, // 100/sec
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	limiter.Allow("k")
	// Plenty of time to replenish far beyond the burst cap
	time.Sleep(200 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed > 2 {
		t.Errorf("Burst cap of 2 exceeded: %d requests allowed back to back", allowed)
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest("GET", "/", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("First request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest("GET", "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be limited, got %d", second.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("Expected burst size 10, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}
