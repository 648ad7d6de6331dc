// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"log/slog"
	"net/netip"
	"time"
)

// event is posted by socket pumps and handled on the IO loop.
type event interface {
	handle(c *Context)
}

// datagramEvent carries one inbound datagram. Endpoint datagrams have no
// session yet, session pumps set s.
type datagramEvent struct {
	ep   *Endpoint
	s    *Session
	peer netip.AddrPort
	data []byte
}

func (ev datagramEvent) handle(c *Context) {
	s := ev.s
	if s == nil {
		if ev.ep.freed || !c.admit(ev.peer) {
			return
		}
		if s = ev.ep.sessionFor(ev.peer); s == nil {
			return
		}
	} else {
		if s.freed {
			return
		}
		if s.role == RoleServer && !c.admit(s.peer) {
			return
		}
	}
	s.lastActivity = time.Now()
	c.receive(s, ev.data)
}

func (c *Context) admit(peer netip.AddrPort) bool {
	if c.cfg.Limiter == nil || c.cfg.Limiter.Allow(peer.String()) {
		return true
	}
	c.metrics.RateLimited()
	c.logger.Debug("rate limited datagram dropped", slog.String("peer", peer.String()))
	return false
}

type acceptEvent struct {
	ep *Endpoint
	s  *Session
}

func (ev acceptEvent) handle(c *Context) {
	if ev.ep.freed || !ev.ep.attach(ev.s) {
		ev.s.reject()
	}
}

type handshakeEvent struct {
	s   *Session
	err error
}

func (ev handshakeEvent) handle(c *Context) {
	s := ev.s
	if s.freed {
		return
	}
	c.metrics.Handshake(s.role.String(), ev.err)
	if ev.err != nil {
		c.logger.Warn("DTLS handshake failed",
			slog.String("peer", s.peer.String()),
			slog.String("role", s.role.String()),
			slog.String("error", ev.err.Error()))
		if s.role == RoleServer {
			s.free()
			return
		}
		s.failHandshake(ev.err)
		return
	}

	s.handshaked = true
	c.logger.Debug("DTLS handshake complete",
		slog.String("peer", s.peer.String()),
		slog.String("role", s.role.String()))
	pending := s.pending
	s.pending = nil
	for _, data := range pending {
		s.write(data)
	}
}

type closedEvent struct {
	s   *Session
	err error
}

func (ev closedEvent) handle(c *Context) {
	s := ev.s
	if s.freed {
		return
	}
	c.logger.Debug("session connection closed",
		slog.String("peer", s.peer.String()),
		slog.String("role", s.role.String()),
		slog.String("error", ev.err.Error()))
	if s.role == RoleServer {
		s.free()
	}
}

type pskClientEvent struct {
	s     *Session
	hint  []byte
	reply chan []byte
}

func (ev pskClientEvent) replyTo() chan []byte { return ev.reply }

func (ev pskClientEvent) handle(c *Context) {
	s := ev.s
	var key []byte
	if !s.freed {
		if info := s.psk.ValidateIH(ev.hint, s, s.psk.IHArg); info != nil {
			// The identity was already sent with the ClientKeyExchange.
			if !bytes.Equal(info.Identity, s.psk.PSKInfo.Identity) {
				c.logger.Debug("identity for hint differs from initial identity",
					slog.String("peer", s.peer.String()))
			}
			key = bytes.Clone(info.Key)
		}
	}
	c.metrics.CredentialLookup(RoleClient.String(), key != nil)
	ev.reply <- key
}

type pskServerEvent struct {
	s        *Session
	identity []byte
	reply    chan []byte
}

func (ev pskServerEvent) replyTo() chan []byte { return ev.reply }

func (ev pskServerEvent) handle(c *Context) {
	s := ev.s
	var key []byte
	if setup := c.serverPSKSetup(); setup != nil && !s.freed {
		if setup.ValidateID != nil {
			key = bytes.Clone(setup.ValidateID(ev.identity, s, setup.IDArg))
		} else {
			key = setup.PSKInfo.Key
		}
	}
	if key != nil {
		s.identity = ev.identity
	}
	c.metrics.CredentialLookup(RoleServer.String(), key != nil)
	ev.reply <- key
}
