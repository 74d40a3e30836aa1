// internal/sync/ratelimiter.go
package sync

import (
	stdsync "sync"
	"time"
)

// RateLimiter is a per-key cooldown gate. It prevents a user action
// from re-firing a remote write before the cooldown has elapsed
// (e.g. double-click add-to-cart). Purely per-process; this is not a
// distributed throttle.
type RateLimiter struct {
	mu       stdsync.Mutex
	cooldown time.Duration
	clock    Clock
	last     map[string]time.Time
}

func NewRateLimiter(cooldown time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(cooldown, nil)
}

// NewRateLimiterWithClock is useful for tests.
func NewRateLimiterWithClock(cooldown time.Duration, clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &RateLimiter{
		cooldown: cooldown,
		clock:    clock,
		last:     map[string]time.Time{},
	}
}

// CanProceed reports whether an operation for key may fire now.
// The first call records the timestamp and returns true; calls within
// the cooldown return false without updating the timestamp; calls at
// or after the cooldown boundary return true and reset the timestamp.
func (r *RateLimiter) CanProceed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if prev, ok := r.last[key]; ok && now.Sub(prev) < r.cooldown {
		return false
	}
	r.last[key] = now
	return true
}

// Reset drops the recorded timestamp for key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, key)
}
