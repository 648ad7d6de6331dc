// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-peer token buckets for inbound datagrams.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow reports whether one datagram may pass.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n datagrams may pass and consumes the tokens if so.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUsed = tb.now()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter keeps one token bucket per peer address.
//
// Buckets idle for longer than the idle timeout are dropped by Sweep, which
// the engine calls from its IO loop.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxPeers   int
	idle       time.Duration
	now        func() time.Time
}

// NewLimiter creates a per-peer limiter. A maxPeers of 0 allows 10000 peers.
func NewLimiter(capacity, refillRate int64, maxPeers int) *Limiter {
	if maxPeers == 0 {
		maxPeers = 10000
	}
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxPeers:   maxPeers,
		idle:       5 * time.Minute,
		now:        time.Now,
	}
}

// Allow reports whether a datagram from peer may pass.
func (l *Limiter) Allow(peer string) bool {
	l.mu.Lock()
	tb, ok := l.buckets[peer]
	if !ok {
		if len(l.buckets) >= l.maxPeers {
			l.mu.Unlock()
			return false
		}
		tb = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[peer] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Remove drops the bucket of peer.
func (l *Limiter) Remove(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peer)
}

// Sweep drops buckets that have not been used for the idle timeout and
// returns how many were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for peer, tb := range l.buckets {
		if now.Sub(tb.idleSince()) > l.idle {
			delete(l.buckets, peer)
			dropped++
		}
	}
	return dropped
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
