// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/credentials"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
)

// OSCOREConfig holds the OSCORE master material of a session.
type OSCOREConfig = engine.OSCOREConfig

// Stats is a point-in-time view of the objects owned by a context.
type Stats = engine.Stats

// Config holds context configuration. The zero value is usable.
type Config struct {
	// Logger for context events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics

	// Handler receives authorization and lifecycle hooks. Defaults to
	// handler.NoopHandler.
	Handler handler.Handler

	// AckTimeout is the initial retransmission timeout.
	AckTimeout time.Duration

	// MaxRetransmit is the retransmission limit of confirmable messages.
	MaxRetransmit int

	// SessionTimeout expires idle server sessions.
	SessionTimeout time.Duration

	// HandshakeTimeout bounds DTLS handshakes.
	HandshakeTimeout time.Duration

	// MaxServerSessions caps the sessions of each endpoint. Zero is unlimited.
	MaxServerSessions int

	// RateLimitCapacity is the per-peer burst of inbound datagrams. Zero
	// disables rate limiting.
	RateLimitCapacity int64

	// RateLimitRefill is the number of datagrams per second a peer regains.
	RateLimitRefill int64

	// RateLimitPeers caps the number of tracked peers.
	RateLimitPeers int

	// Breaker configures the circuit breaker of client sessions.
	Breaker breaker.Config
}

type sessionEntry struct {
	peer netip.AddrPort
	ref  *AppDataRef[*Session]
}

// Context owns the engine context and everything created through it.
type Context struct {
	raw     *engine.Context
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler handler.Handler

	endpoints []*Endpoint
	sessions  []sessionEntry
	resources []UntypedResource

	serverProvider uintptr
	closed         bool
}

// New creates a context.
func New(cfg Config) (*Context, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	var limiter *ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitPeers)
	}

	raw, err := engine.NewContext(engine.Config{
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		AckTimeout:        cfg.AckTimeout,
		MaxRetransmit:     cfg.MaxRetransmit,
		SessionTimeout:    cfg.SessionTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		MaxServerSessions: cfg.MaxServerSessions,
		Limiter:           limiter,
		Breaker:           cfg.Breaker,
	})
	if err != nil {
		return nil, errors.New("new_context", "", "", errors.ErrContextCreation, err)
	}

	c := &Context{
		raw:     raw,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		handler: cfg.Handler,
	}
	raw.SetBlockMode(engine.BlockUseLibrary | engine.BlockSingleBody)
	raw.RegisterResponseHandler(handleResponse)
	raw.RegisterNackHandler(handleNack)
	raw.SetAppDataReleaser(releaseAppData)
	raw.SetAppData(NewAppDataRef(c).IntoRaw())
	return c, nil
}

// Raw exposes the engine context.
func (c *Context) Raw() *engine.Context { return c.raw }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Closed reports whether Close has run.
func (c *Context) Closed() bool { return c.closed }

// ConnectUDP creates a plain UDP client session to peer.
func (c *Context) ConnectUDP(peer netip.AddrPort) (*SessionHandle, error) {
	if c.closed {
		return nil, errors.ErrContextClosed
	}
	raw, err := c.raw.NewClientSession(netip.AddrPort{}, peer, engine.ProtoUDP)
	if err != nil {
		return nil, errors.New("connect", UDP.String(), peer.String(), errors.ErrSessionCreation, err)
	}
	return c.register(peer, raw, UDP, nil), nil
}

// ConnectDTLS creates a DTLS client session to peer. provider must supply
// default credentials for a nil hint; it is consulted again when the server
// sends a hint.
func (c *Context) ConnectDTLS(peer netip.AddrPort, provider credentials.ClientProvider) (*SessionHandle, error) {
	if c.closed {
		return nil, errors.ErrContextClosed
	}
	if provider == nil {
		panic("coap: nil credential provider")
	}
	psk := provider.ProvideInfoForHint(nil)
	if psk == nil {
		panic("coap: credential provider has no default credentials")
	}
	setup := &engine.ClientPSKSetup{
		ValidateIH: validateIH,
		PSKInfo:    engine.ClientPSKInfo{Identity: psk.Identity, Key: psk.Key},
	}
	raw, err := c.raw.NewClientSessionPSK(netip.AddrPort{}, peer, engine.ProtoDTLS, setup)
	if err != nil {
		return nil, errors.New("connect", DTLS.String(), peer.String(), errors.ErrSessionCreation, err)
	}
	return c.register(peer, raw, DTLS, provider), nil
}

// ConnectOSCORE creates a client session protected by the OSCORE context
// derived from conf. An invalid local address lets the system pick one.
func (c *Context) ConnectOSCORE(local, peer netip.AddrPort, t Transport, conf OSCOREConfig) (*SessionHandle, error) {
	if c.closed {
		return nil, errors.ErrContextClosed
	}
	if !t.Implemented() {
		return nil, errors.New("connect", t.String(), peer.String(), errors.ErrUnimplemented, nil)
	}
	raw, err := c.raw.NewClientSessionOSCORE(local, peer, t.proto(), &conf)
	if err != nil {
		return nil, errors.New("connect", t.String(), peer.String(), errors.ErrSessionCreation, err)
	}
	return c.register(peer, raw, t, nil), nil
}

func (c *Context) register(peer netip.AddrPort, raw *engine.Session, t Transport, p credentials.ClientProvider) *SessionHandle {
	s := newSession(c, raw, t)
	s.clientProvider = p
	ref := NewAppDataRef(s)
	raw.SetAppData(ref.Clone().IntoRaw())
	c.sessions = append(c.sessions, sessionEntry{peer: peer, ref: ref})
	c.logger.Debug("client session created", s.logAttrs()...)
	return &SessionHandle{ctx: c, s: s}
}

// SessionByPeer returns the client session created for peer.
func (c *Context) SessionByPeer(peer netip.AddrPort) (*SessionHandle, bool) {
	for _, e := range c.sessions {
		if e.peer == peer {
			return &SessionHandle{ctx: c, s: e.ref.Get()}, true
		}
	}
	return nil, false
}

// Sessions returns handles to every client session.
func (c *Context) Sessions() []*SessionHandle {
	hs := make([]*SessionHandle, 0, len(c.sessions))
	for _, e := range c.sessions {
		hs = append(hs, &SessionHandle{ctx: c, s: e.ref.Get()})
	}
	return hs
}

// SetServerCredentialProvider replaces the provider DTLS endpoints use to
// authenticate clients. The provider is always stored, but DTLS security is
// installed only when it has default credentials for the empty server name.
// A nil provider clears the current one.
func (c *Context) SetServerCredentialProvider(p credentials.ServerProvider) error {
	if c.closed {
		return errors.ErrContextClosed
	}
	if err := c.raw.SetServerPSK(nil); err != nil {
		return errors.Wrap(err, "failed to clear server credentials")
	}
	c.releaseServerProvider()
	if p == nil {
		return nil
	}

	h := NewAppDataRef(p).IntoRaw()
	c.serverProvider = h
	info := p.ProvideHintForSNI("")
	if info == nil {
		c.logger.Warn("server credential provider has no defaults, DTLS endpoints stay disabled")
		return nil
	}
	err := c.raw.SetServerPSK(&engine.ServerPSKSetup{
		ValidateID: validateID,
		IDArg:      h,
		PSKInfo:    engine.ServerPSKInfo{Hint: info.Hint, Key: info.Key},
	})
	if err != nil {
		return errors.Wrap(err, "failed to set server credentials")
	}
	return nil
}

func (c *Context) releaseServerProvider() {
	if c.serverProvider == 0 {
		return
	}
	AppDataRefFromRaw[credentials.ServerProvider](c.serverProvider).Release()
	c.serverProvider = 0
}

// AddResource hands r to the context. Requests for the same path go to the
// resource added first.
func (c *Context) AddResource(r UntypedResource) error {
	if c.closed {
		return errors.ErrContextClosed
	}
	raw := r.attach()
	raw.SetAppData(NewAppDataRef(r).IntoRaw())
	if err := c.raw.AddResource(raw); err != nil {
		AppDataRefFromRaw[UntypedResource](raw.AppData()).Release()
		raw.SetAppData(0)
		return errors.Wrap(err, "failed to add resource")
	}
	c.resources = append(c.resources, r)
	c.logger.Debug("resource added", slog.String("path", r.URIPath()))
	return nil
}

// ResourceByPath returns the resource serving path.
func (c *Context) ResourceByPath(path string) (UntypedResource, bool) {
	path = engine.NormalizePath(path)
	for _, r := range c.resources {
		if r.URIPath() == path {
			return r, true
		}
	}
	return nil, false
}

// Resources returns the added resources.
func (c *Context) Resources() []UntypedResource {
	return append([]UntypedResource(nil), c.resources...)
}

// ProcessIO runs one round of IO, waiting up to timeout for network
// activity. WaitIndefinitely blocks until there is something to do. It
// returns the time spent.
func (c *Context) ProcessIO(timeout time.Duration) (time.Duration, error) {
	if c.closed {
		return 0, errors.ErrContextClosed
	}
	var ms int
	err := c.metrics.ObserveIO(func() error {
		var err error
		ms, err = c.raw.IOProcess(ioTimeout(timeout))
		return err
	})
	if err != nil {
		return 0, errors.New("process_io", "", "", errors.ErrIOProcess, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Shutdown processes IO until the engine has nothing left in flight, then
// closes the context. A negative maxWait waits as long as it takes. The
// context is closed even when the budget runs out, in which case the
// returned error wraps errors.ErrShutdownTimeout.
func (c *Context) Shutdown(maxWait time.Duration) error {
	if c.closed {
		return nil
	}
	defer c.Close()

	var deadline time.Time
	if maxWait >= 0 {
		deadline = time.Now().Add(maxWait)
	}
	for !c.raw.CanExit() {
		wait := WaitIndefinitely
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return errors.New("shutdown", "", "", errors.ErrShutdownTimeout,
					fmt.Errorf("%d exchanges still outstanding", c.raw.Stats().OutstandingExchanges))
			}
		}
		if _, err := c.ProcessIO(wait); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every endpoint, session and resource of the context. It
// panics if a session holder obtained from SessionHandle.Ref is still live.
// Closing twice is a no-op.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true

	// Endpoints first, so their sessions stop calling back into us.
	for _, ep := range c.endpoints {
		ep.raw.Free()
	}
	c.endpoints = nil

	for _, e := range c.sessions {
		s := e.ref.Get()
		slot := s.raw.AppData()
		s.raw.SetAppData(0)
		e.ref.Release()
		if slot != 0 {
			if _, ok := AppDataRefFromRaw[*Session](slot).TryUnwrap(); !ok {
				panic(fmt.Sprintf("coap: session %s of context being closed is still in use", e.peer))
			}
		}
		s.raw.Release()
	}
	c.sessions = nil

	c.raw.Free()
	c.resources = nil
	c.releaseServerProvider()
	c.logger.Debug("context closed")
}

// Stats returns a snapshot of the context. Safe from any goroutine.
func (c *Context) Stats() Stats {
	return c.raw.Stats()
}

// HealthCheck reports whether the context is open and serving. Safe from
// any goroutine.
func (c *Context) HealthCheck(context.Context) error {
	st := c.raw.Stats()
	if st.Freed {
		return errors.ErrContextClosed
	}
	if st.Endpoints == 0 && st.ClientSessions == 0 {
		return errors.Wrap(errors.ErrEndpointCreation, "no endpoints or sessions")
	}
	return nil
}
