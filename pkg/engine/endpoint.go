// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"errors"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/pion/transport/v3/udp"
)

// Endpoint is a bound local socket accepting server sessions.
type Endpoint struct {
	ctx   *Context
	proto Proto
	local netip.AddrPort

	conn     *net.UDPConn
	listener net.Listener

	// sessions is touched by the IO loop only.
	sessions map[netip.AddrPort]*Session

	stop chan struct{}
	wg   sync.WaitGroup

	// live tracks DTLS sessions whose pump is running.
	mu      sync.Mutex
	live    map[*Session]struct{}
	closing bool

	appData uintptr
	freed   bool
}

// NewEndpoint binds addr for proto. DTLS requires SetServerPSK first.
func (c *Context) NewEndpoint(addr netip.AddrPort, proto Proto) (*Endpoint, error) {
	if c.freed {
		return nil, ErrFreed
	}
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	ep := &Endpoint{
		ctx:      c,
		proto:    proto,
		sessions: make(map[netip.AddrPort]*Session),
		stop:     make(chan struct{}),
		live:     make(map[*Session]struct{}),
	}

	switch proto {
	case ProtoUDP:
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
		if err != nil {
			return nil, c.errorf("bind", err)
		}
		ep.conn = conn
		ep.local = unmap(conn.LocalAddr().(*net.UDPAddr).AddrPort())
		ep.wg.Add(1)
		go ep.readUDP()
	case ProtoDTLS:
		if c.serverPSKSetup() == nil {
			return nil, ErrNoSecurity
		}
		lc := udp.ListenConfig{}
		ln, err := lc.Listen("udp", net.UDPAddrFromAddrPort(addr))
		if err != nil {
			return nil, c.errorf("bind", err)
		}
		ep.listener = ln
		ep.local = unmap(ln.Addr().(*net.UDPAddr).AddrPort())
		ep.wg.Add(1)
		go ep.acceptDTLS()
	default:
		return nil, ErrUnsupportedProto
	}

	c.endpoints = append(c.endpoints, ep)
	c.stats.endpoints.Add(1)
	c.metrics.EndpointBound(proto.String())
	c.logger.Info("endpoint bound",
		slog.String("address", ep.local.String()),
		slog.String("transport", proto.String()))
	return ep, nil
}

// Proto returns the endpoint transport.
func (ep *Endpoint) Proto() Proto { return ep.proto }

// LocalAddr returns the bound address.
func (ep *Endpoint) LocalAddr() netip.AddrPort { return ep.local }

// Sessions returns the number of server sessions.
func (ep *Endpoint) Sessions() int { return len(ep.sessions) }

// AppData returns the user data slot.
func (ep *Endpoint) AppData() uintptr { return ep.appData }

// SetAppData sets the user data slot.
func (ep *Endpoint) SetAppData(data uintptr) { ep.appData = data }

// Free closes the socket and every server session. Freeing twice panics.
func (ep *Endpoint) Free() {
	if ep.freed {
		panic("engine: endpoint freed twice")
	}
	ep.free()
}

func (ep *Endpoint) free() {
	if ep.freed {
		return
	}
	ep.freed = true
	close(ep.stop)

	ep.mu.Lock()
	ep.closing = true
	live := slices.Collect(maps.Keys(ep.live))
	ep.mu.Unlock()

	for _, s := range live {
		s.shutdown()
	}
	if ep.conn != nil {
		_ = ep.conn.Close()
	}
	if ep.listener != nil {
		_ = ep.listener.Close()
	}
	ep.wg.Wait()
	for _, s := range live {
		s.wg.Wait()
	}
	for _, s := range slices.Collect(maps.Values(ep.sessions)) {
		s.free()
	}

	c := ep.ctx
	c.endpoints = slices.DeleteFunc(c.endpoints, func(o *Endpoint) bool { return o == ep })
	c.stats.endpoints.Add(-1)
	c.metrics.EndpointFreed(ep.proto.String())
	c.logger.Info("endpoint closed",
		slog.String("address", ep.local.String()),
		slog.String("transport", ep.proto.String()))
	c.release(&ep.appData)
}

// sessionFor returns the server session of peer, creating one if allowed.
func (ep *Endpoint) sessionFor(peer netip.AddrPort) *Session {
	if s, ok := ep.sessions[peer]; ok {
		return s
	}
	s := ep.ctx.newSession(ep, RoleServer, ep.proto, ep.local, peer)
	s.handshaked = true
	if !ep.attach(s) {
		return nil
	}
	return s
}

func (ep *Endpoint) attach(s *Session) bool {
	c := ep.ctx
	if old, ok := ep.sessions[s.peer]; ok {
		// A new handshake from the same address replaces the old association.
		old.free()
	}
	if c.cfg.MaxServerSessions > 0 && len(ep.sessions) >= c.cfg.MaxServerSessions {
		c.logger.Warn("session limit reached, rejecting new session",
			slog.Int("limit", c.cfg.MaxServerSessions),
			slog.String("peer", s.peer.String()))
		return false
	}
	ep.sessions[s.peer] = s
	c.stats.servers.Add(1)
	c.metrics.SessionOpened(s.role.String(), s.proto.String())
	c.logger.Debug("new server session",
		slog.String("peer", s.peer.String()),
		slog.String("transport", s.proto.String()))
	return true
}

func (ep *Endpoint) expireIdle(now time.Time) {
	c := ep.ctx
	for _, s := range slices.Collect(maps.Values(ep.sessions)) {
		if s.refs > 0 || len(s.exchanges) > 0 {
			continue
		}
		if now.Sub(s.lastActivity) > c.cfg.SessionTimeout {
			c.logger.Debug("session timeout", slog.String("peer", s.peer.String()))
			s.free()
			continue
		}
		for mid, r := range s.responses {
			if now.Sub(r.at) > c.exchangeLifetime() {
				delete(s.responses, mid)
			}
		}
	}
}

func (ep *Endpoint) track(s *Session) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closing {
		return false
	}
	ep.live[s] = struct{}{}
	return true
}

func (ep *Endpoint) forget(s *Session) {
	ep.mu.Lock()
	delete(ep.live, s)
	ep.mu.Unlock()
}

func (ep *Endpoint) readUDP() {
	defer ep.wg.Done()
	c := ep.ctx
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := ep.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Error("failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}
		ev := datagramEvent{ep: ep, peer: unmap(from), data: bytes.Clone(buf[:n])}
		if !c.post(ev, ep.stop) {
			return
		}
	}
}

func (ep *Endpoint) acceptDTLS() {
	defer ep.wg.Done()
	c := ep.ctx
	for {
		conn, err := ep.listener.Accept()
		if err != nil {
			return
		}
		raddr, ok := conn.RemoteAddr().(*net.UDPAddr)
		if !ok {
			_ = conn.Close()
			continue
		}
		s := c.newSession(ep, RoleServer, ProtoDTLS, ep.local, unmap(raddr.AddrPort()))
		dc, err := dtls.Server(dtlsnet.PacketConnFromConn(conn), raddr, c.serverDTLSConfig(s))
		if err != nil {
			_ = conn.Close()
			c.logger.Warn("failed to create DTLS server conn",
				slog.String("peer", raddr.String()),
				slog.String("error", err.Error()))
			continue
		}
		s.dconn = dc
		if !ep.track(s) {
			_ = dc.Close()
			return
		}
		// The pump is counted before the IO loop can see s and free it.
		s.wg.Add(1)
		if !c.post(acceptEvent{ep: ep, s: s}, ep.stop) {
			s.wg.Done()
			return
		}
		go c.pumpDTLS(s)
	}
}
