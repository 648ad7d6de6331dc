// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tb := newTokenBucket(3, 1, clock.now)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("Expected datagram %d to be allowed", i)
		}
	}
	if tb.Allow() {
		t.Error("Expected bucket to be exhausted")
	}

	clock.advance(2 * time.Second)
	if got := tb.Available(); got != 2 {
		t.Errorf("Expected 2 tokens after refill, got %d", got)
	}

	clock.advance(time.Hour)
	if got := tb.Available(); got != 3 {
		t.Errorf("Expected tokens capped at capacity 3, got %d", got)
	}
}

func TestLimiter_PerPeer(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(1, 1, 2)
	l.now = clock.now

	if !l.Allow("127.0.0.1:1000") {
		t.Error("Expected first datagram from peer A to pass")
	}
	if l.Allow("127.0.0.1:1000") {
		t.Error("Expected second datagram from peer A to be limited")
	}
	if !l.Allow("127.0.0.1:2000") {
		t.Error("Expected peer B to have its own bucket")
	}
	if l.Allow("127.0.0.1:3000") {
		t.Error("Expected third peer to be rejected by the peer limit")
	}
	if got := l.Peers(); got != 2 {
		t.Errorf("Expected 2 peers, got %d", got)
	}

	l.Remove("127.0.0.1:1000")
	if got := l.Peers(); got != 1 {
		t.Errorf("Expected 1 peer after Remove, got %d", got)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(5, 1, 0)
	l.now = clock.now

	l.Allow("a")
	clock.advance(4 * time.Minute)
	l.Allow("b")
	clock.advance(2 * time.Minute)

	if dropped := l.Sweep(); dropped != 1 {
		t.Errorf("Expected 1 idle bucket dropped, got %d", dropped)
	}
	if got := l.Peers(); got != 1 {
		t.Errorf("Expected 1 remaining peer, got %d", got)
	}
}
