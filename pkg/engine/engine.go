// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

const (
	// IOWait makes IOProcess block until there is something to do.
	IOWait uint32 = 0

	// DefaultAckTimeout is the initial retransmission timeout of CON messages.
	DefaultAckTimeout = 2 * time.Second

	// DefaultMaxRetransmit is the number of retransmissions before giving up.
	DefaultMaxRetransmit = 4

	// DefaultSessionTimeout is the idle timeout of server-side sessions.
	DefaultSessionTimeout = 300 * time.Second

	// DefaultHandshakeTimeout bounds a single DTLS handshake.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultInboxSize is the capacity of the event queue fed by socket readers.
	DefaultInboxSize = 256

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	ackRandomFactor = 1.5
)

var (
	// ErrInvalidConfig is returned by NewContext for unusable settings.
	ErrInvalidConfig = errors.New("engine: invalid configuration")

	// ErrUnsupportedProto is returned for transports the engine cannot serve.
	ErrUnsupportedProto = errors.New("engine: unsupported protocol")

	// ErrNoSecurity is returned when a secure transport lacks credentials.
	ErrNoSecurity = errors.New("engine: no security setup")

	// ErrFreed is returned when an operation targets a freed object.
	ErrFreed = errors.New("engine: object already freed")

	// ErrInvalidAddress is returned for an unset peer address.
	ErrInvalidAddress = errors.New("engine: invalid address")

	// ErrCircuitOpen is returned by Send while the peer's breaker is open.
	ErrCircuitOpen = breaker.ErrCircuitOpen
)

// BlockMode selects block-wise transfer handling.
type BlockMode uint8

const (
	// BlockUseLibrary makes the engine serve large representations in Block2
	// slices of at most BlockSZX and fetch the remaining blocks of Block2
	// responses on its own.
	BlockUseLibrary BlockMode = 1 << iota
	// BlockSingleBody hands the response handler one reassembled body
	// instead of every block.
	BlockSingleBody
)

// ResponseResult is returned by a response handler.
type ResponseResult int

const (
	// ResponseOK acknowledges the response.
	ResponseOK ResponseResult = iota
	// ResponseFail rejects a confirmable response with a reset.
	ResponseFail
)

// NackReason tells why a confirmable request will never see a response.
type NackReason int

const (
	NackTooManyRetries NackReason = iota
	NackReset
	NackTLSFailed
)

func (r NackReason) String() string {
	switch r {
	case NackTooManyRetries:
		return "too_many_retries"
	case NackReset:
		return "reset"
	case NackTLSFailed:
		return "tls_failed"
	default:
		return "unknown"
	}
}

// ResponseHandler receives responses to requests sent on a session. sent is
// nil for responses that do not match an outstanding exchange.
type ResponseHandler func(s *Session, sent, received *pool.Message, mid int32) ResponseResult

// NackHandler receives confirmable requests that failed.
type NackHandler func(s *Session, sent *pool.Message, reason NackReason)

// AppDataReleaser is invoked with the non-zero user data of every object the
// engine frees on its own.
type AppDataReleaser func(data uintptr)

// Config holds engine configuration.
type Config struct {
	// Logger for engine events.
	Logger *slog.Logger

	// LoggerFactory is handed to pion/dtls. Defaults to an adapter over Logger.
	LoggerFactory logging.LoggerFactory

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// AckTimeout is the initial retransmission timeout. Zero uses DefaultAckTimeout.
	AckTimeout time.Duration

	// MaxRetransmit is the retransmission limit. Zero uses DefaultMaxRetransmit.
	MaxRetransmit int

	// SessionTimeout expires idle server sessions. Zero uses DefaultSessionTimeout.
	SessionTimeout time.Duration

	// HandshakeTimeout bounds DTLS handshakes. Zero uses DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// MaxServerSessions caps sessions per endpoint. Zero means unlimited.
	MaxServerSessions int

	// Limiter drops inbound datagrams from peers over their budget.
	Limiter *ratelimit.Limiter

	// Breaker configures the per-peer breaker of client sessions.
	Breaker breaker.Config

	// InboxSize is the event queue capacity. Zero uses DefaultInboxSize.
	InboxSize int
}

// Stats is a point-in-time view of engine objects. It is safe to read from
// any goroutine.
type Stats struct {
	Endpoints            int
	ClientSessions       int
	ServerSessions       int
	Resources            int
	OutstandingExchanges int
	Freed                bool
}

type counters struct {
	endpoints   atomic.Int64
	clients     atomic.Int64
	servers     atomic.Int64
	resources   atomic.Int64
	outstanding atomic.Int64
	freed       atomic.Bool
}

// Context is the root engine object. All methods except Stats must be called
// from a single goroutine, the one driving IOProcess.
type Context struct {
	cfg     Config
	logger  *slog.Logger
	lf      logging.LoggerFactory
	metrics *metrics.Metrics

	blockMode  BlockMode
	onResponse ResponseHandler
	onNack     NackHandler
	releaser   AppDataReleaser
	appData    uintptr

	pskMu     sync.Mutex
	serverPSK *ServerPSKSetup

	endpoints []*Endpoint
	sessions  []*Session
	resources []*Resource

	runCtx context.Context
	cancel context.CancelFunc
	inbox  chan event

	stats counters
	freed bool
}

// NewContext creates an engine context.
func NewContext(cfg Config) (*Context, error) {
	if cfg.AckTimeout < 0 || cfg.MaxRetransmit < 0 || cfg.SessionTimeout < 0 ||
		cfg.HandshakeTimeout < 0 || cfg.MaxServerSessions < 0 || cfg.InboxSize < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = NewLoggerFactory(cfg.Logger)
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxRetransmit == 0 {
		cfg.MaxRetransmit = DefaultMaxRetransmit
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.InboxSize == 0 {
		cfg.InboxSize = DefaultInboxSize
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Context{
		cfg:     cfg,
		logger:  cfg.Logger,
		lf:      cfg.LoggerFactory,
		metrics: cfg.Metrics,
		runCtx:  runCtx,
		cancel:  cancel,
		inbox:   make(chan event, cfg.InboxSize),
	}, nil
}

// SetBlockMode sets the block-wise transfer mode.
func (c *Context) SetBlockMode(mode BlockMode) {
	c.blockMode = mode
}

// BlockMode returns the block-wise transfer mode.
func (c *Context) BlockMode() BlockMode {
	return c.blockMode
}

// RegisterResponseHandler sets the handler for responses on every session.
func (c *Context) RegisterResponseHandler(h ResponseHandler) {
	c.onResponse = h
}

// RegisterNackHandler sets the handler for failed confirmable requests.
func (c *Context) RegisterNackHandler(h NackHandler) {
	c.onNack = h
}

// SetAppDataReleaser sets the hook run on user data of objects freed by the engine.
func (c *Context) SetAppDataReleaser(r AppDataReleaser) {
	c.releaser = r
}

// AppData returns the context user data.
func (c *Context) AppData() uintptr {
	return c.appData
}

// SetAppData sets the context user data.
func (c *Context) SetAppData(data uintptr) {
	c.appData = data
}

// Logger returns the engine logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Stats returns object counts. Safe for concurrent use.
func (c *Context) Stats() Stats {
	return Stats{
		Endpoints:            int(c.stats.endpoints.Load()),
		ClientSessions:       int(c.stats.clients.Load()),
		ServerSessions:       int(c.stats.servers.Load()),
		Resources:            int(c.stats.resources.Load()),
		OutstandingExchanges: int(c.stats.outstanding.Load()),
		Freed:                c.stats.freed.Load(),
	}
}

// CanExit reports whether no confirmable exchange or queued datagram is pending.
func (c *Context) CanExit() bool {
	for _, s := range c.allSessions() {
		if s.busy() {
			return false
		}
	}
	return true
}

// IOProcess waits up to timeoutMs milliseconds for network activity, handles
// everything that is ready, and returns the elapsed milliseconds. IOWait
// blocks until an event or retransmission timer fires.
func (c *Context) IOProcess(timeoutMs uint32) (int, error) {
	if c.freed {
		return -1, ErrFreed
	}
	start := time.Now()

	limit := time.Duration(-1)
	if timeoutMs != IOWait {
		limit = time.Duration(timeoutMs) * time.Millisecond
	}
	wait := limit
	if next, ok := c.nextTimer(); ok {
		d := max(time.Until(next), 0)
		if wait < 0 || d < wait {
			wait = d
		}
	}

	var expired <-chan time.Time
	if wait >= 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ev := <-c.inbox:
		ev.handle(c)
		c.drain()
	case <-expired:
	}

	now := time.Now()
	c.fireTimers(now)
	c.expireIdle(now)

	elapsed := time.Since(start)
	if limit >= 0 && elapsed > limit {
		elapsed = limit
	}
	return int(elapsed / time.Millisecond), nil
}

// Free releases every object still owned by the context. Freeing twice panics.
func (c *Context) Free() {
	if c.freed {
		panic("engine: context freed twice")
	}
	c.freed = true
	c.cancel()

	for _, ep := range slices.Clone(c.endpoints) {
		ep.free()
	}
	for _, s := range slices.Clone(c.sessions) {
		s.free()
	}
	for _, r := range c.resources {
		r.freed = true
		c.release(&r.appData)
	}
	c.metrics.ResourcesFreed(len(c.resources))
	c.stats.resources.Store(0)
	c.resources = nil
	c.release(&c.appData)
	c.stats.freed.Store(true)
	c.logger.Debug("engine context freed")
}

// Freed reports whether Free has been called.
func (c *Context) Freed() bool {
	return c.freed
}

func (c *Context) release(data *uintptr) {
	if *data == 0 {
		return
	}
	v := *data
	*data = 0
	if c.releaser != nil {
		c.releaser(v)
	}
}

func (c *Context) allSessions() []*Session {
	all := slices.Clone(c.sessions)
	for _, ep := range c.endpoints {
		for _, s := range ep.sessions {
			all = append(all, s)
		}
	}
	return all
}

func (c *Context) drain() {
	for range cap(c.inbox) {
		select {
		case ev := <-c.inbox:
			ev.handle(c)
		default:
			return
		}
	}
}

func (c *Context) nextTimer() (time.Time, bool) {
	var next time.Time
	found := false
	for _, s := range c.allSessions() {
		for _, ex := range s.exchanges {
			at := ex.deadline()
			if !found || at.Before(next) {
				next, found = at, true
			}
		}
	}
	return next, found
}

func (c *Context) expireIdle(now time.Time) {
	for _, ep := range c.endpoints {
		ep.expireIdle(now)
	}
	if c.cfg.Limiter != nil {
		c.cfg.Limiter.Sweep()
	}
}

// post hands ev to the IO loop. It gives up when the context or the posting
// object is shutting down.
func (c *Context) post(ev event, stop <-chan struct{}) bool {
	select {
	case c.inbox <- ev:
		return true
	case <-c.runCtx.Done():
		return false
	case <-stop:
		return false
	}
}

func (c *Context) errorf(op string, err error) error {
	return fmt.Errorf("engine: %s: %w", op, err)
}
