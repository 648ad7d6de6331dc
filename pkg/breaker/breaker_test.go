// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errGiveUp = errors.New("exchange gave up")

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }

	var transitions []string
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	cb.Record(errGiveUp)
	if cb.State() != StateClosed {
		t.Fatalf("Expected closed after one failure, got %s", cb.State())
	}
	cb.Record(errGiveUp)
	if cb.State() != StateOpen {
		t.Fatalf("Expected open after two failures, got %s", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Expected probe to be admitted after reset timeout, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half_open, got %s", cb.State())
	}

	cb.Record(nil)
	if cb.State() != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", cb.State())
	}

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }

	cb.Record(errGiveUp)
	now = now.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Expected probe to be admitted, got %v", err)
	}
	cb.Record(errGiveUp)
	if cb.State() != StateOpen {
		t.Errorf("Expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2})
	cb.Record(errGiveUp)
	cb.Record(nil)
	cb.Record(errGiveUp)

	state, failures, _ := cb.Stats()
	if state != StateClosed {
		t.Errorf("Expected closed, got %s", state)
	}
	if failures != 1 {
		t.Errorf("Expected 1 failure, got %d", failures)
	}
}
