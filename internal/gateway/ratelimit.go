package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from attackers rotating keys.
const maxTrackedKeys = 4096

// RateLimiter hands out a token bucket per key (actor scope). Safe for
// concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	rpm      int
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per key
// with the given burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rpm:      rpm,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r != nil && r.rpm > 0 }

// SetRate swaps the per-key budget. Existing buckets are dropped and rebuilt
// at the new rate on next use; config hot-reload calls this.
func (r *RateLimiter) SetRate(rpm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rpm == r.rpm {
		return
	}
	r.rpm = rpm
	r.limiters = make(map[string]*rate.Limiter)
}

// Allow reports whether key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[key]
	if !ok {
		// Hard eviction at the cap (FIFO-ish via map iteration).
		for len(r.limiters) >= maxTrackedKeys {
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[key] = lim
	}
	return lim.Allow()
}
