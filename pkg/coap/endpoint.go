// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"log/slog"
	"net/netip"

	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/errors"
)

// Endpoint is a bound local address accepting server sessions. It is owned
// by its Context and freed by Close.
type Endpoint struct {
	raw       *engine.Endpoint
	transport Transport
}

// LocalAddr returns the bound address, with the port resolved.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.raw.LocalAddr() }

// Transport returns the endpoint transport.
func (e *Endpoint) Transport() Transport { return e.transport }

// Sessions returns the number of server sessions on the endpoint.
func (e *Endpoint) Sessions() int { return e.raw.Sessions() }

// AddEndpoint binds addr for t. TCP and TLS report errors.ErrUnimplemented.
// DTLS requires server credentials, see SetServerCredentialProvider.
func (c *Context) AddEndpoint(t Transport, addr netip.AddrPort) (*Endpoint, error) {
	if c.closed {
		return nil, errors.ErrContextClosed
	}
	if !t.Implemented() {
		return nil, errors.New("add_endpoint", t.String(), addr.String(), errors.ErrUnimplemented, nil)
	}
	raw, err := c.raw.NewEndpoint(addr, t.proto())
	if err != nil {
		return nil, errors.New("add_endpoint", t.String(), addr.String(), errors.ErrEndpointCreation, err)
	}
	ep := &Endpoint{raw: raw, transport: t}
	c.endpoints = append(c.endpoints, ep)
	c.logger.Info("endpoint bound",
		slog.String("transport", t.String()),
		slog.String("address", ep.LocalAddr().String()))
	return ep, nil
}

// AddEndpointUDP binds a plain UDP endpoint.
func (c *Context) AddEndpointUDP(addr netip.AddrPort) (*Endpoint, error) {
	return c.AddEndpoint(UDP, addr)
}

// AddEndpointDTLS binds a DTLS endpoint authenticating clients with PSK.
func (c *Context) AddEndpointDTLS(addr netip.AddrPort) (*Endpoint, error) {
	return c.AddEndpoint(DTLS, addr)
}

// AddEndpointTCP is not implemented.
func (c *Context) AddEndpointTCP(addr netip.AddrPort) (*Endpoint, error) {
	return c.AddEndpoint(TCP, addr)
}

// AddEndpointTLS is not implemented.
func (c *Context) AddEndpointTLS(addr netip.AddrPort) (*Endpoint, error) {
	return c.AddEndpoint(TLS, addr)
}

// Endpoints returns the bound endpoints.
func (c *Context) Endpoints() []*Endpoint {
	return append([]*Endpoint(nil), c.endpoints...)
}
