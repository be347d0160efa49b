package batch

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces permits evenly: at most one request every
// 60s/requestsPerMinute, with no burst allowance. Unlike a token bucket
// it never lets a quiet period bank credit, which is what upstream
// model providers actually enforce.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute evenly
// spaced requests. Zero or negative rates disable pacing.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	var interval time.Duration
	if requestsPerMinute > 0 {
		interval = time.Minute / time.Duration(requestsPerMinute)
	}
	return &RateLimiter{interval: interval}
}

// Acquire blocks until the caller may issue a request, or until the
// context is cancelled. Waiters are granted slots in arrival order.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l.interval <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	var wait time.Duration
	if l.next.After(now) {
		wait = l.next.Sub(now)
		l.next = l.next.Add(l.interval)
	} else {
		l.next = now.Add(l.interval)
	}
	l.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
