package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// visitorIdleEviction is how long a caller must be silent before its bucket
// is dropped.
const visitorIdleEviction = 10 * time.Minute

// RateLimiter applies a per-caller token bucket. The voice surface sits in
// front of a telephony pipeline that retries aggressively, so exceeding
// callers get a clean 429 instead of queueing.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64
	burst    float64
	now      func() time.Time

	lastSweep time.Time
}

type visitor struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter allows rate requests per second with the given burst per
// caller key.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		burst:    float64(burst),
		now:      time.Now,
	}
}

// WithClock pins the limiter's clock; tests use it to advance time without
// sleeping.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

// Allow reports whether the caller identified by key is within its budget,
// consuming one token when it is.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{tokens: rl.burst, seen: now}
		rl.visitors[key] = v
	}
	v.tokens = min(rl.burst, v.tokens+now.Sub(v.seen).Seconds()*rl.rate)
	v.seen = now

	if v.tokens < 1 {
		return false
	}
	v.tokens--
	return true
}

// sweepLocked drops buckets for callers idle past the eviction window, at
// most once a minute so hot paths stay cheap.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	rl.lastSweep = now
	cutoff := now.Add(-visitorIdleEviction)
	for key, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// RateLimit rejects requests beyond rate requests/sec per client IP with
// 429 Too Many Requests. It keys on X-Real-Ip when chi's RealIP middleware
// ran earlier in the chain.
func RateLimit(rate float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
				key = realIP
			}
			if !limiter.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
