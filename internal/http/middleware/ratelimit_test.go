package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	now := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2).WithClock(func() time.Time { return now })

	if !rl.Allow("caller") || !rl.Allow("caller") {
		t.Fatal("burst of 2 must pass")
	}
	if rl.Allow("caller") {
		t.Fatal("third immediate request must be rejected")
	}

	now = now.Add(1 * time.Second)
	if !rl.Allow("caller") {
		t.Error("one token must refill after a second at 1 req/s")
	}
	if rl.Allow("caller") {
		t.Error("only one token refilled")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	now := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1).WithClock(func() time.Time { return now })

	if !rl.Allow("a") {
		t.Fatal("first caller's first request must pass")
	}
	if !rl.Allow("b") {
		t.Error("a saturated caller must not affect others")
	}
}

func TestRateLimiterEvictsIdleCallers(t *testing.T) {
	now := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1).WithClock(func() time.Time { return now })

	rl.Allow("idle")
	now = now.Add(visitorIdleEviction + 2*time.Minute)
	rl.Allow("active")

	rl.mu.Lock()
	_, stillThere := rl.visitors["idle"]
	rl.mu.Unlock()
	if stillThere {
		t.Error("idle caller's bucket should have been swept")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimit(0.001, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/voice/intents", nil)
	req.Header.Set("X-Real-Ip", "203.0.113.9")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", ct)
	}

	// A different caller is unaffected.
	other := httptest.NewRequest(http.MethodPost, "/voice/intents", nil)
	other.Header.Set("X-Real-Ip", "198.51.100.7")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("other caller status = %d, want 200", rec.Code)
	}
}
