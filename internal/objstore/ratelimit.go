package objstore

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket gating object-store requests. Explicit
// slow-down responses halve the refill rate for a cool-down window; after it
// passes the rate recovers gradually back to the configured base.
type RateLimiter struct {
	mu        sync.Mutex
	baseRate  float64 // tokens per second
	rate      float64
	burst     float64
	tokens    float64
	last      time.Time
	cooldown  time.Duration
	slowUntil time.Time
	now       func() time.Time
}

// NewRateLimiter creates a bucket refilling at ratePerSec with the given
// burst. cooldown is how long a halved rate is held before recovery starts.
func NewRateLimiter(ratePerSec float64, burst int, cooldown time.Duration) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	if burst <= 0 {
		burst = int(ratePerSec)
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	l := &RateLimiter{
		baseRate: ratePerSec,
		rate:     ratePerSec,
		burst:    float64(burst),
		tokens:   float64(burst),
		cooldown: cooldown,
		now:      time.Now,
	}
	l.last = l.now()
	return l
}

// Wait blocks until a token is available or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SlowDown halves the refill rate in response to a throttle signal and holds
// it there for the cool-down window.
func (l *RateLimiter) SlowDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = l.rate / 2
	if min := l.baseRate / 16; l.rate < min {
		l.rate = min
	}
	l.slowUntil = l.now().Add(l.cooldown)
	if l.tokens > l.burst/2 {
		l.tokens = l.burst / 2
	}
}

// Rate reports the current refill rate, for metrics and tests.
func (l *RateLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.rate
}

// refill advances the bucket; callers hold the mutex.
func (l *RateLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	if l.rate < l.baseRate && now.After(l.slowUntil) {
		// Recover ~10% per second after the cool-down, never above base.
		l.rate *= 1 + 0.1*elapsed
		if l.rate > l.baseRate {
			l.rate = l.baseRate
		}
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}
