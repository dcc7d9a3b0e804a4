package gmlog

import (
	"sync"
	"time"
)

// RateLimiter allows at most one event per interval. Used to cap error-log
// volume during an incident (lock storms, agent outages) so the log
// stream itself doesn't become the bottleneck.
type RateLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}
