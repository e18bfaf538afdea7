// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how often each client may open a new session,
// using one token bucket per client.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultIdleTimeout is how long an unused client bucket is kept.
const DefaultIdleTimeout = 5 * time.Minute

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full token bucket holding at most capacity tokens
// and gaining refillRate tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Limiter keeps a token bucket per client host. Buckets unused for the idle
// timeout are dropped, which resets that client to a full burst.
type Limiter struct {
	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *TokenBucket]
	rate    float64
	burst   int
}

// NewLimiter allows each client rate new sessions per second with bursts of
// up to burst. A burst below 1 is raised to 1.
func NewLimiter(rate float64, burst int, idleTimeout time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	l := &Limiter{
		buckets: ttlcache.New[string, *TokenBucket](
			ttlcache.WithTTL[string, *TokenBucket](idleTimeout),
		),
		rate:  rate,
		burst: burst,
	}
	go l.buckets.Start()

	return l
}

// Allow reports whether the client at addr may open a new session. addr may be
// a host:port pair or a bare host; all ports of one host share a bucket.
func (l *Limiter) Allow(addr string) bool {
	key := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		key = host
	}

	l.mu.Lock()
	var tb *TokenBucket
	if item := l.buckets.Get(key); item != nil {
		tb = item.Value()
	} else {
		tb = NewTokenBucket(l.burst, l.rate)
		l.buckets.Set(key, tb, ttlcache.DefaultTTL)
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	return l.buckets.Len()
}

// Close stops the expiry goroutine.
func (l *Limiter) Close() {
	l.buckets.Stop()
}
