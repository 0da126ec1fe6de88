package util

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"booksync/internal/logger"
)

var (
	// ErrRateLimited is returned when the rate limit is exceeded
	ErrRateLimited = errors.New("rate limited")
	// DefaultRate is the default minimum time between catalog requests
	DefaultRate = 200 * time.Millisecond
	// DefaultBurst is the default burst size
	DefaultBurst = 5
)

// RateLimiter implements a token bucket limiter with dynamic backoff.
// The catalog service throttles aggressive clients, so the limiter slows
// down when a 429 is observed and recovers gradually.
type RateLimiter struct {
	mu           sync.Mutex
	last         time.Time
	rate         time.Duration
	minRate      time.Duration
	maxRate      time.Duration
	tokens       int
	maxTokens    int
	lastRateDrop time.Time
}

// NewRateLimiter creates a new RateLimiter.
// rate is the minimum time between requests, burst the number of tokens
// that may be consumed without waiting.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	return &RateLimiter{
		last:         time.Now(),
		rate:         rate,
		minRate:      rate,
		maxRate:      5 * time.Second,
		tokens:       burst,
		maxTokens:    burst,
		lastRateDrop: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()

	now := time.Now()

	// Replenish tokens based on elapsed time
	delta := now.Sub(r.last)
	newTokens := int(float64(delta) / float64(r.rate))
	if newTokens > 0 {
		r.tokens += newTokens
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.last = now
	}

	if r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	// Wait with jitter (up to 20% of rate) to avoid thundering-herd retries
	waitTime := r.rate + time.Duration(rand.Float64()*0.2*float64(r.rate))
	next := r.last.Add(waitTime)

	r.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.mu.Lock()
		r.last = next
		r.tokens = 0
		r.mu.Unlock()
		return nil
	}
}

// OnRateLimit is called when the remote service rejects a request for
// rate reasons. It widens the delay between requests and returns the
// time to wait before the next attempt.
func (r *RateLimiter) OnRateLimit(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Repeated throttling within a short window gets a steeper backoff
	if now.Sub(r.lastRateDrop) < 5*time.Minute {
		r.rate = time.Duration(1.5 * float64(r.rate))
	} else {
		r.rate = time.Duration(1.2 * float64(r.rate))
	}

	if r.rate > r.maxRate {
		r.rate = r.maxRate
	}

	r.lastRateDrop = now

	logger.Get().Warn("Rate limited by catalog, increasing delay between requests", map[string]interface{}{
		"new_rate":    r.rate.String(),
		"retry_after": retryAfter.String(),
	})

	if retryAfter > r.rate {
		return retryAfter
	}
	return r.rate
}

// ResetRate resets the limiter back to its minimum rate
func (r *RateLimiter) ResetRate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = r.minRate
	r.lastRateDrop = time.Now()
}

// GetRate returns the current rate
func (r *RateLimiter) GetRate() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}
