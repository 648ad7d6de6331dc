// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/engine"
)

func TestChecker_Status(t *testing.T) {
	fail := func(context.Context) error { return errors.New("down") }
	pass := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all pass", map[string]CheckFunc{"a": pass, "b": pass}, StatusHealthy},
		{"some fail", map[string]CheckFunc{"a": pass, "b": fail}, StatusDegraded},
		{"all fail", map[string]CheckFunc{"a": fail, "b": fail}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}
			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, status)
			}
			if len(checks) != len(tt.checks) {
				t.Errorf("Expected %d checks, got %d", len(tt.checks), len(checks))
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	c := NewChecker(time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	calls := 0
	c.Register("counted", func(context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("Expected cached result, got %d calls", calls)
	}

	now = now.Add(time.Minute)
	c.Health(context.Background())
	if calls != 2 {
		t.Errorf("Expected rerun after TTL, got %d calls", calls)
	}
}

func TestContextCheck(t *testing.T) {
	tests := []struct {
		name    string
		stats   engine.Stats
		max     int
		wantErr bool
	}{
		{"serving", engine.Stats{Endpoints: 1}, 10, false},
		{"client only", engine.Stats{ClientSessions: 2}, 0, false},
		{"freed", engine.Stats{Endpoints: 1, Freed: true}, 0, true},
		{"idle", engine.Stats{}, 0, true},
		{"backlog", engine.Stats{Endpoints: 1, OutstandingExchanges: 11}, 10, true},
		{"backlog unchecked", engine.Stats{Endpoints: 1, OutstandingExchanges: 11}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ContextCheck(func() engine.Stats { return tt.stats }, tt.max)
			if err := check(context.Background()); (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}

	sessions := SessionsCheck(func() engine.Stats { return engine.Stats{ServerSessions: 3} }, 2)
	if sessions(context.Background()) == nil {
		t.Error("Expected too many sessions")
	}
}

func TestHandlers(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("a", func(context.Context) error { return nil })
	c.Register("b", func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{"health degraded", c.HTTPHandler(), http.StatusOK, "degraded"},
		{"readiness degraded", c.ReadinessHandler(), http.StatusServiceUnavailable, "degraded"},
		{"liveness", LivenessHandler(), http.StatusOK, "alive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, rec.Code)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("Expected status %s, got %s", tt.status, body.Status)
			}
		})
	}
}
