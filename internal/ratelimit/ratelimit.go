// Package ratelimit throttles outbound exchange requests with a token
// bucket, keeping order submission under the per-exchange request budget.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket. A full bucket allows a burst of maxTokens
// requests; afterwards tokens refill continuously at the configured rate.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// New creates a limiter allowing a burst of burst requests refilled at
// perSecond tokens per second.
func New(burst int, perSecond float64) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Limiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.TryAcquire() {
			return nil
		}
		wait := l.untilNextToken()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token without blocking. It reports whether one was
// available.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// untilNextToken estimates the wait until a full token has refilled.
func (l *Limiter) untilNextToken() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	missing := 1 - l.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / l.refillRate * float64(time.Second))
}

// refill credits tokens for the time elapsed since the last refill. Must be
// called with the mutex held.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}
