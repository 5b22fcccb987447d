package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces a loop to a target number of events per second. Limits
// may be changed while other goroutines are waiting.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter returns a limiter allowing eventsPerSec on average with
// bursts of up to burst events. A non-positive burst is treated as 1.
func NewRateLimiter(eventsPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(eventsPerSec), normalizeBurst(burst))}
}

func normalizeBurst(burst int) int {
	if burst <= 0 {
		return 1
	}
	return burst
}

// Wait blocks until one more event is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// Limit reports the current events-per-second limit.
func (rl *RateLimiter) Limit() float64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit())
}

// UpdateLimits replaces the rate and burst.
func (rl *RateLimiter) UpdateLimits(eventsPerSec float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(eventsPerSec))
	rl.limiter.SetBurst(normalizeBurst(burst))
}
