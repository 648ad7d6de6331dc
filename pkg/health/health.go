// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health, readiness and liveness endpoints for a
// CoAP service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/engine"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the last result of a named check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker runs registered checks and caches their results for a TTL.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
	now    func() time.Time
}

// NewChecker creates a checker. A zero TTL caches results for 10s.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
		now:    time.Now,
	}
}

// Register adds or replaces a check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Health runs every check whose cached result is stale. The overall status
// is healthy when all checks pass, unhealthy when all fail and degraded
// otherwise. Checks are reported sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	checks := make([]Check, 0, len(c.checks))
	failed := 0
	for name, fn := range c.checks {
		check, ok := c.cache[name]
		if !ok || c.now().Sub(check.LastChecked) >= c.ttl {
			start := c.now()
			err := fn(ctx)
			check = &Check{
				Name:        name,
				Status:      StatusHealthy,
				LastChecked: c.now(),
				Duration:    c.now().Sub(start),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}
			c.cache[name] = check
		}
		if check.Status != StatusHealthy {
			failed++
		}
		checks = append(checks, *check)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	switch {
	case failed == 0:
		return StatusHealthy, checks
	case failed == len(checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

// StatsFunc returns a snapshot of a CoAP context.
type StatsFunc func() engine.Stats

// ContextCheck fails when the context has been freed or when more than
// maxOutstanding confirmable exchanges are waiting. A non-positive
// maxOutstanding disables the backlog check.
func ContextCheck(stats StatsFunc, maxOutstanding int) CheckFunc {
	return func(context.Context) error {
		st := stats()
		switch {
		case st.Freed:
			return fmt.Errorf("context closed")
		case st.Endpoints == 0 && st.ClientSessions == 0:
			return fmt.Errorf("no endpoints bound")
		case maxOutstanding > 0 && st.OutstandingExchanges > maxOutstanding:
			return fmt.Errorf("too many outstanding exchanges: %d > %d", st.OutstandingExchanges, maxOutstanding)
		}
		return nil
	}
}

// SessionsCheck fails when server sessions exceed limit.
func SessionsCheck(stats StatsFunc, limit int) CheckFunc {
	return func(context.Context) error {
		if n := stats().ServerSessions; limit > 0 && n > limit {
			return fmt.Errorf("too many sessions: %d > %d", n, limit)
		}
		return nil
	}
}

// HTTPHandler reports every check. Degraded services still answer 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

// ReadinessHandler answers 200 only when every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler always reports the process alive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
