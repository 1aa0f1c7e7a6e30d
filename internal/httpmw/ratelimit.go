// Package httpmw holds small HTTP middlewares layered in front of the
// /mcp endpoint.
package httpmw

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles inbound HTTP requests per remote address, distinct
// from Connection's per-child outbound limiter (golang.org/x/time/rate is
// used on both sides of the multiplexer for a different concern each).
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter admitting requestsPerSecond per key,
// with burst headroom.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// DefaultRateLimiter admits 20 requests/second per client with a burst of
// 40, generous enough for a handful of MCP clients polling tools/list.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(20, 40)
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[key]
	r.mu.RUnlock()
	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, exists = r.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(r.rate, r.burst)
	r.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request keyed by key may proceed.
func (r *RateLimiter) Allow(key string) bool {
	return r.getLimiter(key).Allow()
}

// Cleanup discards every tracked limiter; call it periodically so
// long-lived processes don't accumulate one entry per distinct client
// forever.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = make(map[string]*rate.Limiter)
}

// RateLimit wraps next with per-remote-address throttling, replying with a
// JSON-RPC-shaped 429 so MCP clients can parse the rejection the same way
// they parse any other framed error.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"jsonrpc": "2.0",
					"error": map[string]any{
						"code":    -32029,
						"message": "rate limit exceeded",
					},
					"id": nil,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StartCleanup runs limiter.Cleanup on every tick until stop fires.
func StartCleanup(limiter *RateLimiter, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
