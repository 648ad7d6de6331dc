// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

var errExchangeTimeout = errors.New("engine: exchange timed out")

// Proto is a session or endpoint transport.
type Proto int

const (
	ProtoUDP Proto = iota + 1
	ProtoDTLS
	ProtoTCP
	ProtoTLS
)

func (p Proto) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoDTLS:
		return "dtls"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Secure reports whether p runs over (D)TLS.
func (p Proto) Secure() bool {
	return p == ProtoDTLS || p == ProtoTLS
}

// Role tells which side created a session.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type exchange struct {
	mid     int32
	token   []byte
	data    []byte
	sent    *pool.Message
	retries int
	timeout time.Duration
	next    time.Time
	// acked exchanges no longer hold a session reference and only wait for a
	// separate response until expires.
	acked   bool
	expires time.Time
	// body collects the blocks received so far of a Block2 transfer.
	body []byte
}

func (ex *exchange) deadline() time.Time {
	if ex.acked {
		return ex.expires
	}
	return ex.next
}

type cachedResponse struct {
	data []byte
	at   time.Time
}

// Session is a conversation with one peer. Client sessions are owned by the
// caller through their reference count, server sessions by their endpoint.
type Session struct {
	ctx   *Context
	ep    *Endpoint
	proto Proto
	role  Role
	local netip.AddrPort
	peer  netip.AddrPort

	refs    int
	appData uintptr
	freed   bool

	conn     *net.UDPConn
	dconn    *dtls.Conn
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	handshaked   bool
	handshakeErr error
	pending      [][]byte

	exchanges    map[int32]*exchange
	responses    map[int32]cachedResponse
	nextMID      uint16
	lastActivity time.Time

	circuit  *breaker.CircuitBreaker
	psk      *ClientPSKSetup
	identity []byte
	oscore   *OSCOREContext
}

func (c *Context) newSession(ep *Endpoint, role Role, proto Proto, local, peer netip.AddrPort) *Session {
	return &Session{
		ctx:          c,
		ep:           ep,
		proto:        proto,
		role:         role,
		local:        local,
		peer:         peer,
		stop:         make(chan struct{}),
		exchanges:    make(map[int32]*exchange),
		responses:    make(map[int32]cachedResponse),
		nextMID:      uint16(rand.Uint32()),
		lastActivity: time.Now(),
	}
}

// NewClientSession creates a plain UDP client session with reference count 1.
func (c *Context) NewClientSession(local, peer netip.AddrPort, proto Proto) (*Session, error) {
	switch proto {
	case ProtoUDP:
	case ProtoDTLS:
		return nil, ErrNoSecurity
	default:
		return nil, ErrUnsupportedProto
	}
	return c.dial(local, peer, proto, nil)
}

// NewClientSessionPSK creates a DTLS client session authenticated with setup.
func (c *Context) NewClientSessionPSK(local, peer netip.AddrPort, proto Proto, setup *ClientPSKSetup) (*Session, error) {
	if proto != ProtoDTLS {
		return nil, ErrUnsupportedProto
	}
	if setup == nil || len(setup.PSKInfo.Key) == 0 {
		return nil, ErrNoSecurity
	}
	return c.dial(local, peer, proto, setup.clone())
}

// NewClientSessionOSCORE creates a UDP client session carrying the OSCORE
// security context derived from conf.
func (c *Context) NewClientSessionOSCORE(local, peer netip.AddrPort, proto Proto, conf *OSCOREConfig) (*Session, error) {
	if proto != ProtoUDP {
		return nil, ErrUnsupportedProto
	}
	oc, err := DeriveOSCORE(conf)
	if err != nil {
		return nil, err
	}
	s, err := c.dial(local, peer, proto, nil)
	if err != nil {
		return nil, err
	}
	s.oscore = oc
	return s, nil
}

func (c *Context) dial(local, peer netip.AddrPort, proto Proto, psk *ClientPSKSetup) (*Session, error) {
	if c.freed {
		return nil, ErrFreed
	}
	if !peer.IsValid() {
		return nil, ErrInvalidAddress
	}
	var laddr *net.UDPAddr
	if local.IsValid() {
		laddr = net.UDPAddrFromAddrPort(local)
	}
	conn, err := net.DialUDP("udp", laddr, net.UDPAddrFromAddrPort(peer))
	if err != nil {
		return nil, c.errorf("dial", err)
	}

	bound := unmap(conn.LocalAddr().(*net.UDPAddr).AddrPort())
	s := c.newSession(nil, RoleClient, proto, bound, unmap(peer))
	s.refs = 1
	s.conn = conn
	s.psk = psk
	s.circuit = breaker.New(c.cfg.Breaker)
	s.circuit.OnStateChange(func(_, to breaker.State) {
		if to == breaker.StateOpen {
			c.metrics.BreakerTrip(s.peer.String())
			c.logger.Warn("circuit breaker opened", slog.String("peer", s.peer.String()))
		}
	})

	if proto == ProtoDTLS {
		dc, err := dtls.Client(dtlsnet.PacketConnFromConn(conn), conn.RemoteAddr(), c.clientDTLSConfig(s))
		if err != nil {
			conn.Close()
			return nil, c.errorf("dtls client", err)
		}
		s.dconn = dc
		s.wg.Add(1)
		go c.pumpDTLS(s)
	} else {
		s.handshaked = true
		s.wg.Add(1)
		go c.pumpUDP(s)
	}

	c.sessions = append(c.sessions, s)
	c.stats.clients.Add(1)
	c.metrics.SessionOpened(s.role.String(), proto.String())
	c.logger.Debug("client session created",
		slog.String("peer", s.peer.String()),
		slog.String("local", s.local.String()),
		slog.String("transport", proto.String()))
	return s, nil
}

// Proto returns the session transport.
func (s *Session) Proto() Proto { return s.proto }

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// Peer returns the remote address.
func (s *Session) Peer() netip.AddrPort { return s.peer }

// Local returns the local address.
func (s *Session) Local() netip.AddrPort { return s.local }

// Context returns the owning context.
func (s *Session) Context() *Context { return s.ctx }

// Endpoint returns the endpoint of a server session, nil for client sessions.
func (s *Session) Endpoint() *Endpoint { return s.ep }

// RefCount returns the engine reference count.
func (s *Session) RefCount() int { return s.refs }

// Freed reports whether the engine released the session.
func (s *Session) Freed() bool { return s.freed }

// AppData returns the user data slot.
func (s *Session) AppData() uintptr { return s.appData }

// SetAppData sets the user data slot.
func (s *Session) SetAppData(data uintptr) { s.appData = data }

// Handshaked reports whether the transport is ready for application data.
func (s *Session) Handshaked() bool { return s.handshaked }

// PSK returns the client PSK setup, nil for other sessions.
func (s *Session) PSK() *ClientPSKSetup { return s.psk }

// Identity returns the PSK identity a server session authenticated with.
func (s *Session) Identity() []byte { return s.identity }

// OSCORE returns the attached OSCORE security context, if any.
func (s *Session) OSCORE() *OSCOREContext { return s.oscore }

// Outstanding returns the number of unacknowledged confirmable exchanges.
func (s *Session) Outstanding() int {
	n := 0
	for _, ex := range s.exchanges {
		if !ex.acked {
			n++
		}
	}
	return n
}

// BreakerState returns the session circuit state.
func (s *Session) BreakerState() breaker.State {
	if s.circuit == nil {
		return breaker.StateClosed
	}
	return s.circuit.State()
}

// Reference takes one more reference.
func (s *Session) Reference() {
	if s.freed {
		panic("engine: reference to freed session")
	}
	s.refs++
}

// Release drops one reference and frees a client session at zero.
func (s *Session) Release() {
	if s.freed {
		panic("engine: release of freed session")
	}
	if s.refs == 0 {
		panic("engine: session reference count underflow")
	}
	s.refs--
	if s.refs == 0 && s.role == RoleClient {
		s.free()
	}
}

// NewMessage returns an empty message bound to the engine.
func (s *Session) NewMessage() *pool.Message {
	return pool.NewMessage(s.ctx.runCtx)
}

// Send transmits msg and returns its message ID. Messages with no type set
// are sent confirmable, requests without a token get a fresh one.
func (s *Session) Send(msg *pool.Message) (int32, error) {
	if s.freed {
		return -1, ErrFreed
	}
	if s.handshakeErr != nil {
		return -1, fmt.Errorf("engine: handshake failed: %w", s.handshakeErr)
	}

	typ := msg.Type()
	switch typ {
	case message.NonConfirmable, message.Acknowledgement, message.Reset:
	default:
		typ = message.Confirmable
		msg.SetType(typ)
	}
	request := isRequest(msg.Code())
	tracked := typ == message.Confirmable && msg.Code() != codes.Empty
	if tracked && s.circuit != nil {
		if err := s.circuit.Allow(); err != nil {
			return -1, err
		}
	}

	if typ == message.Confirmable || typ == message.NonConfirmable {
		msg.SetMessageID(s.newMessageID())
	}
	if len(msg.Token()) == 0 && msg.Code() != codes.Empty {
		token, err := message.GetToken()
		if err != nil {
			return -1, err
		}
		msg.SetToken(token)
	}
	data, err := encode(msg)
	if err != nil {
		return -1, err
	}

	mid := msg.MessageID()
	now := time.Now()
	switch {
	case tracked:
		timeout := s.ctx.initialTimeout()
		s.exchanges[mid] = &exchange{
			mid:     mid,
			token:   msg.Token(),
			data:    data,
			sent:    msg,
			timeout: timeout,
			next:    now.Add(timeout),
		}
		s.refs++
		s.ctx.stats.outstanding.Add(1)
	case request:
		s.exchanges[mid] = &exchange{
			mid:     mid,
			token:   msg.Token(),
			sent:    msg,
			acked:   true,
			expires: now.Add(s.ctx.exchangeLifetime()),
		}
	}
	s.transmit(data, typ)
	return mid, nil
}

func (s *Session) newMessageID() int32 {
	s.nextMID++
	return int32(s.nextMID)
}

func (s *Session) transmit(data []byte, typ message.Type) {
	s.ctx.metrics.Message("out", typeName(typ))
	if !s.handshaked {
		s.pending = append(s.pending, data)
		return
	}
	s.write(data)
}

func (s *Session) write(data []byte) {
	var err error
	switch {
	case s.dconn != nil:
		_, err = s.dconn.Write(data)
	case s.role == RoleServer:
		_, err = s.ep.conn.WriteToUDPAddrPort(data, s.peer)
	default:
		_, err = s.conn.Write(data)
	}
	if err != nil {
		s.ctx.logger.Debug("failed to write datagram",
			slog.String("peer", s.peer.String()),
			slog.String("error", err.Error()))
	}
}

func (s *Session) sendEmpty(typ message.Type, mid int32) {
	data, err := encode(emptyMessage(s.ctx.runCtx, typ, mid))
	if err != nil {
		s.ctx.logger.Debug("failed to encode empty message", slog.String("error", err.Error()))
		return
	}
	s.transmit(data, typ)
}

// settle drops the reference ex holds. It may free the session.
func (s *Session) settle(ex *exchange, err error) {
	if ex.acked {
		return
	}
	ex.acked = true
	ex.expires = time.Now().Add(s.ctx.exchangeLifetime())
	s.ctx.stats.outstanding.Add(-1)
	if s.circuit != nil {
		s.circuit.Record(err)
	}
	s.Release()
}

func (s *Session) complete(ex *exchange, err error) {
	delete(s.exchanges, ex.mid)
	s.settle(ex, err)
}

func (s *Session) exchangeByToken(token []byte) *exchange {
	if len(token) == 0 {
		return nil
	}
	for _, ex := range s.exchanges {
		if bytes.Equal(ex.token, token) {
			return ex
		}
	}
	return nil
}

func (s *Session) due(now time.Time) []*exchange {
	var due []*exchange
	for _, ex := range s.exchanges {
		if !ex.deadline().After(now) {
			due = append(due, ex)
		}
	}
	return due
}

func (s *Session) busy() bool {
	return s.Outstanding() > 0 || len(s.pending) > 0
}

func (s *Session) failHandshake(err error) {
	s.handshakeErr = err
	s.pending = nil
	for _, ex := range slices.Collect(maps.Values(s.exchanges)) {
		if ex.acked {
			continue
		}
		s.ctx.nack(s, ex.sent, NackTLSFailed)
		s.complete(ex, err)
		if s.freed {
			return
		}
	}
}

// shutdown stops the pump and closes the socket. Safe from any goroutine.
func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.dconn != nil {
			_ = s.dconn.Close()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// reject discards a server session that never got attached.
func (s *Session) reject() {
	s.freed = true
	s.shutdown()
}

func (s *Session) free() {
	if s.freed {
		return
	}
	s.freed = true
	s.shutdown()
	s.wg.Wait()

	c := s.ctx
	for _, ex := range s.exchanges {
		if !ex.acked {
			ex.acked = true
			c.stats.outstanding.Add(-1)
		}
	}
	s.exchanges = nil
	s.responses = nil
	s.pending = nil

	if s.role == RoleClient {
		c.sessions = slices.DeleteFunc(c.sessions, func(o *Session) bool { return o == s })
		c.stats.clients.Add(-1)
	} else {
		if s.ep.sessions[s.peer] == s {
			delete(s.ep.sessions, s.peer)
		}
		c.stats.servers.Add(-1)
	}
	c.metrics.SessionClosed(s.role.String(), s.proto.String())
	c.logger.Debug("session freed",
		slog.String("peer", s.peer.String()),
		slog.String("role", s.role.String()))
	c.release(&s.appData)
}

func (c *Context) initialTimeout() time.Duration {
	return time.Duration(float64(c.cfg.AckTimeout) * (1 + rand.Float64()*(ackRandomFactor-1)))
}

// exchangeLifetime scales RFC 7252 EXCHANGE_LIFETIME with the ACK timeout.
func (c *Context) exchangeLifetime() time.Duration {
	return time.Duration(float64(c.cfg.AckTimeout) * 123.5)
}

func (c *Context) nack(s *Session, sent *pool.Message, reason NackReason) {
	c.logger.Debug("confirmable request failed",
		slog.String("peer", s.peer.String()),
		slog.String("reason", reason.String()))
	if c.onNack != nil {
		c.onNack(s, sent, reason)
	}
}

func (c *Context) fireTimers(now time.Time) {
	for _, s := range c.allSessions() {
		for _, ex := range s.due(now) {
			if s.freed {
				break
			}
			switch {
			case ex.acked:
				delete(s.exchanges, ex.mid)
			case !s.handshaked:
				ex.next = now.Add(ex.timeout)
			case ex.retries >= c.cfg.MaxRetransmit:
				c.metrics.ExchangeTimeout()
				c.nack(s, ex.sent, NackTooManyRetries)
				s.complete(ex, errExchangeTimeout)
			default:
				ex.retries++
				ex.timeout *= 2
				ex.next = now.Add(ex.timeout)
				c.metrics.Retransmit()
				s.transmit(ex.data, message.Confirmable)
			}
		}
	}
}

func (c *Context) pumpUDP(s *Session) {
	defer s.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.stop:
				return
			default:
			}
			// ICMP port unreachable surfaces here on connected sockets.
			c.logger.Debug("client read error",
				slog.String("peer", s.peer.String()),
				slog.String("error", err.Error()))
			continue
		}
		if !c.post(datagramEvent{s: s, data: bytes.Clone(buf[:n])}, s.stop) {
			return
		}
	}
}

func (c *Context) pumpDTLS(s *Session) {
	defer s.wg.Done()
	if s.ep != nil {
		defer s.ep.forget(s)
	}

	hctx, cancel := context.WithTimeout(c.runCtx, c.cfg.HandshakeTimeout)
	err := s.dconn.HandshakeContext(hctx)
	cancel()
	if !c.post(handshakeEvent{s: s, err: err}, s.stop) || err != nil {
		return
	}

	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := s.dconn.Read(buf)
		if err != nil {
			c.post(closedEvent{s: s, err: err}, s.stop)
			return
		}
		if !c.post(datagramEvent{s: s, data: bytes.Clone(buf[:n])}, s.stop) {
			return
		}
	}
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
