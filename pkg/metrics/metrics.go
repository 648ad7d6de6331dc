// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for CoAP contexts.
//
// All methods are safe to call on a nil *Metrics, so instrumentation stays
// optional for library users.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of a CoAP context.
type Metrics struct {
	// Object lifecycle
	ActiveSessions  *prometheus.GaugeVec
	ActiveEndpoints *prometheus.GaugeVec
	Resources       prometheus.Gauge

	// Message flow
	Messages         *prometheus.CounterVec
	Retransmissions  prometheus.Counter
	ExchangeTimeouts prometheus.Counter
	Requests         *prometheus.CounterVec

	// IO loop
	IOProcessDuration prometheus.Histogram
	IOProcessErrors   prometheus.Counter

	// Security
	Handshakes        *prometheus.CounterVec
	CredentialLookups *prometheus.CounterVec

	// Protection
	RateLimitedDatagrams prometheus.Counter
	CircuitBreakerTrips  *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. A nil reg uses a
// fresh private registry, so several contexts can coexist in one process.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mcoap"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live sessions",
			},
			[]string{"role", "transport"},
		),
		ActiveEndpoints: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_endpoints",
				Help:      "Number of bound endpoints",
			},
			[]string{"transport"},
		),
		Resources: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Number of registered resources",
			},
		),
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of CoAP messages",
			},
			[]string{"direction", "type"},
		),
		Retransmissions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of confirmable retransmissions",
			},
		),
		ExchangeTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_timeouts_total",
				Help:      "Total number of confirmable exchanges that gave up",
			},
		),
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests served by resources",
			},
			[]string{"method", "code"},
		),
		IOProcessDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "io_process_duration_seconds",
				Help:      "Duration of single IO processing rounds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
		),
		IOProcessErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "io_process_errors_total",
				Help:      "Total number of failed IO processing rounds",
			},
		),
		Handshakes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dtls_handshakes_total",
				Help:      "Total number of DTLS handshakes",
			},
			[]string{"role", "status"},
		),
		CredentialLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_lookups_total",
				Help:      "Total number of PSK credential lookups",
			},
			[]string{"role", "status"},
		),
		RateLimitedDatagrams: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_datagrams_total",
				Help:      "Total number of inbound datagrams dropped by the rate limiter",
			},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"peer"},
		),
	}
}

// SessionOpened tracks a new session.
func (m *Metrics) SessionOpened(role, transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(role, transport).Inc()
}

// SessionClosed tracks a freed session.
func (m *Metrics) SessionClosed(role, transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(role, transport).Dec()
}

// EndpointBound tracks a new endpoint.
func (m *Metrics) EndpointBound(transport string) {
	if m == nil {
		return
	}
	m.ActiveEndpoints.WithLabelValues(transport).Inc()
}

// EndpointFreed tracks a freed endpoint.
func (m *Metrics) EndpointFreed(transport string) {
	if m == nil {
		return
	}
	m.ActiveEndpoints.WithLabelValues(transport).Dec()
}

// ResourceAdded tracks a registered resource.
func (m *Metrics) ResourceAdded() {
	if m == nil {
		return
	}
	m.Resources.Inc()
}

// ResourcesFreed tracks resources released with their context.
func (m *Metrics) ResourcesFreed(n int) {
	if m == nil {
		return
	}
	m.Resources.Sub(float64(n))
}

// Message counts one message in direction ("in" or "out").
func (m *Metrics) Message(direction, msgType string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, msgType).Inc()
}

// Retransmit counts one retransmission.
func (m *Metrics) Retransmit() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// ExchangeTimeout counts one exchange that gave up.
func (m *Metrics) ExchangeTimeout() {
	if m == nil {
		return
	}
	m.ExchangeTimeouts.Inc()
}

// Request counts one request served by a resource.
func (m *Metrics) Request(method, code string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, code).Inc()
}

// Handshake counts one DTLS handshake outcome.
func (m *Metrics) Handshake(role string, err error) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, status(err == nil)).Inc()
}

// CredentialLookup counts one PSK lookup.
func (m *Metrics) CredentialLookup(role string, found bool) {
	if m == nil {
		return
	}
	m.CredentialLookups.WithLabelValues(role, status(found)).Inc()
}

// RateLimited counts one dropped datagram.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedDatagrams.Inc()
}

// BreakerTrip counts one circuit breaker trip for peer.
func (m *Metrics) BreakerTrip(peer string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(peer).Inc()
}

// ObserveIO tracks one IO processing round.
func (m *Metrics) ObserveIO(f func() error) error {
	if m == nil {
		return f()
	}
	start := time.Now()
	err := f()
	m.IOProcessDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.IOProcessErrors.Inc()
	}
	return err
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
