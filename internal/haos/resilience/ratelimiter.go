package resilience

import (
	"sync"
	"time"
)

// RateLimiter combines a token bucket (burst smoothing) with a hard
// sliding-window cap (fairness), matching the two-tier policy the
// Capability Registry's rate_limit_per_min policy needs (spec §4.1).
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64 // tokens per second
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN attempts to consume n tokens; it also enforces the hard
// per-window cap independent of the token bucket.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		refill := elapsed * r.fillRate
		if refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	return false
}

// ReserveAfter returns the duration until n tokens become available
// under the token-bucket alone (it does not account for the window cap
// resetting, matching the token-bucket's own refill horizon).
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	available := r.available
	if elapsed > 0 {
		available = minFloat(float64(r.capacity), available+elapsed*r.fillRate)
	}
	need := float64(n) - available
	if need <= 0 {
		return 0
	}
	if r.fillRate <= 0 {
		return time.Duration(1<<63 - 1) // effectively never
	}
	return time.Duration(need/r.fillRate*1000) * time.Millisecond
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
