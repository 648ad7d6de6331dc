// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mcoap holds the service configuration of the CoAP daemon.
package mcoap

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/coap"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/caarlos0/env/v11"
)

// Config holds the daemon configuration. Every field is read from the
// environment under the prefix passed to NewConfig.
type Config struct {
	// Endpoints. An empty address disables the endpoint.
	UDPAddress  string `env:"UDP_ADDRESS"  envDefault:":5683"`
	DTLSAddress string `env:"DTLS_ADDRESS" envDefault:""`
	PSKFile     string `env:"PSK_FILE"     envDefault:""`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Reliability
	AckTimeout       time.Duration `env:"ACK_TIMEOUT"       envDefault:"2s"`
	MaxRetransmit    int           `env:"MAX_RETRANSMIT"    envDefault:"4"`
	SessionTimeout   time.Duration `env:"SESSION_TIMEOUT"   envDefault:"5m"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"30s"`

	// Resource limits
	MaxSessions    int `env:"MAX_SESSIONS"    envDefault:"10000"`
	MaxOutstanding int `env:"MAX_OUTSTANDING" envDefault:"1000"`

	// Rate limiting
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`
	RateLimitPeers    int   `env:"RATE_LIMIT_PEERS"    envDefault:"10000"`

	// Request rate limiting, per client and across all clients. A zero
	// capacity disables the limiter.
	RequestRateCapacity int64 `env:"REQUEST_RATE_CAPACITY" envDefault:"50"`
	RequestRateRefill   int64 `env:"REQUEST_RATE_REFILL"   envDefault:"5"`
	GlobalRateCapacity  int64 `env:"GLOBAL_RATE_CAPACITY"  envDefault:"10000"`
	GlobalRateRefill    int64 `env:"GLOBAL_RATE_REFILL"    envDefault:"1000"`

	// Circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Greeting        string        `env:"GREETING"         envDefault:"Hello from mCoAP"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if c.DTLSAddress != "" && c.PSKFile == "" {
		return Config{}, fmt.Errorf("DTLS endpoint %s requires a PSK file", c.DTLSAddress)
	}
	return c, nil
}

// Context returns the context configuration.
func (c Config) Context(h handler.Handler, m *metrics.Metrics) coap.Config {
	return coap.Config{
		Metrics:           m,
		Handler:           h,
		AckTimeout:        c.AckTimeout,
		MaxRetransmit:     c.MaxRetransmit,
		SessionTimeout:    c.SessionTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		MaxServerSessions: c.MaxSessions,
		RateLimitCapacity: c.RateLimitCapacity,
		RateLimitRefill:   c.RateLimitRefill,
		RateLimitPeers:    c.RateLimitPeers,
		Breaker: breaker.Config{
			MaxFailures:      c.BreakerMaxFailures,
			ResetTimeout:     c.BreakerResetTimeout,
			SuccessThreshold: 1,
		},
	}
}

// ParseAddress resolves a listen address such as ":5683" or
// "127.0.0.1:5683". An empty host binds every interface.
func ParseAddress(addr string) (netip.AddrPort, error) {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "0.0.0.0" + addr
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return ap, nil
}
