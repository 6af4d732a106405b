package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerSecond: 1,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// Wait for token replenishment (1 token/sec)
	time.Sleep(time.Second + 50*time.Millisecond)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		RequestsPerSecond: 1,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	cfg := Config{
		RequestsPerSecond: 10,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	// Use the one token
	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}

	// Should be denied
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	// Wait 100ms (should get 1 token at 10/sec)
	time.Sleep(110 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestFromRPS(t *testing.T) {
	cfg := FromRPS(50)
	if cfg.RequestsPerSecond != 50 {
		t.Errorf("Expected 50 requests/sec, got %d", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 100 {
		t.Errorf("Expected burst size 100, got %d", cfg.BurstSize)
	}

	// Non-positive rate falls back to defaults
	cfg = FromRPS(0)
	if cfg.RequestsPerSecond != DefaultConfig().RequestsPerSecond {
		t.Errorf("Expected default rate, got %d", cfg.RequestsPerSecond)
	}
}

func TestMiddlewareExemptPath(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{
		RequestsPerSecond: 1,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware("/v1/events"))
	router.POST("/v1/events/provider", func(c *gin.Context) { c.String(200, "ok") })
	router.GET("/v1/escrows", func(c *gin.Context) { c.String(200, "ok") })

	// Exempt path never limited, even past the burst
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/events/provider", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Exempt request %d got status %d", i, w.Code)
		}
	}

	// Limited path denies after the burst
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/escrows", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("First limited request got status %d", w.Code)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/escrows", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after burst, got %d", w.Code)
	}
}
