package dispatch

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-method request rate limits using a token bucket.
// Keys are method names, a closed set, so entries are never evicted.
type RateLimiter struct {
	limiters sync.Map   // method → *rate.Limiter
	r        rate.Limit // refill rate (requests per second)
	burst    int
}

// NewRateLimiter creates a rate limiter. rpm is requests per minute per
// method; rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &RateLimiter{r: r, burst: burst}
}

// Allow reports whether a request for method may proceed now.
func (rl *RateLimiter) Allow(method string) bool {
	if rl == nil || rl.r == 0 {
		return true
	}
	v, ok := rl.limiters.Load(method)
	if !ok {
		v, _ = rl.limiters.LoadOrStore(method, rate.NewLimiter(rl.r, rl.burst))
	}
	if !v.(*rate.Limiter).Allow() {
		slog.Warn("dispatch rate limited", "method", method)
		return false
	}
	return true
}

// Enabled returns true if the rate limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.r > 0
}
