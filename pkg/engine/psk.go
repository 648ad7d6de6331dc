// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"errors"

	"github.com/pion/dtls/v3"
)

var errNoKey = errors.New("engine: no pre-shared key for peer")

var pskCipherSuites = []dtls.CipherSuiteID{
	dtls.TLS_PSK_WITH_AES_128_CCM_8,
	dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
}

// ClientPSKInfo is the identity and key a client presents.
type ClientPSKInfo struct {
	Identity []byte
	Key      []byte
}

// ValidateIHFunc resolves client credentials for a server identity hint.
// Returning nil aborts the handshake.
type ValidateIHFunc func(hint []byte, s *Session, arg uintptr) *ClientPSKInfo

// ClientPSKSetup configures PSK on a client session.
type ClientPSKSetup struct {
	ValidateIH ValidateIHFunc
	IHArg      uintptr
	ClientSNI  string
	PSKInfo    ClientPSKInfo
}

// ServerPSKInfo is the hint and default key a server uses.
type ServerPSKInfo struct {
	Hint []byte
	Key  []byte
}

// ValidateIDFunc resolves the key for a client identity. Returning nil
// rejects the client.
type ValidateIDFunc func(identity []byte, s *Session, arg uintptr) []byte

// ServerPSKSetup configures PSK for DTLS endpoints.
type ServerPSKSetup struct {
	ValidateID ValidateIDFunc
	IDArg      uintptr
	PSKInfo    ServerPSKInfo
}

// The engine keeps its own copies, callers may reuse their buffers once a
// call returns.
func (p *ClientPSKSetup) clone() *ClientPSKSetup {
	cp := *p
	cp.PSKInfo.Identity = bytes.Clone(p.PSKInfo.Identity)
	cp.PSKInfo.Key = bytes.Clone(p.PSKInfo.Key)
	return &cp
}

func (p *ServerPSKSetup) clone() *ServerPSKSetup {
	cp := *p
	cp.PSKInfo.Hint = bytes.Clone(p.PSKInfo.Hint)
	cp.PSKInfo.Key = bytes.Clone(p.PSKInfo.Key)
	return &cp
}

// SetServerPSK installs the PSK configuration used by DTLS endpoints created
// afterwards. A nil setup removes it.
func (c *Context) SetServerPSK(setup *ServerPSKSetup) error {
	if setup != nil && setup.ValidateID == nil && len(setup.PSKInfo.Key) == 0 {
		return ErrNoSecurity
	}
	c.pskMu.Lock()
	defer c.pskMu.Unlock()
	if setup == nil {
		c.serverPSK = nil
		return nil
	}
	c.serverPSK = setup.clone()
	return nil
}

func (c *Context) serverPSKSetup() *ServerPSKSetup {
	c.pskMu.Lock()
	defer c.pskMu.Unlock()
	return c.serverPSK
}

func (c *Context) clientDTLSConfig(s *Session) *dtls.Config {
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return c.clientKey(s, hint)
		},
		PSKIdentityHint: s.psk.PSKInfo.Identity,
		CipherSuites:    pskCipherSuites,
		ServerName:      s.psk.ClientSNI,
		LoggerFactory:   c.lf,
	}
}

func (c *Context) serverDTLSConfig(s *Session) *dtls.Config {
	var hint []byte
	if setup := c.serverPSKSetup(); setup != nil {
		hint = setup.PSKInfo.Hint
	}
	return &dtls.Config{
		PSK: func(identity []byte) ([]byte, error) {
			return c.ask(s, pskServerEvent{s: s, identity: bytes.Clone(identity), reply: make(chan []byte, 1)})
		},
		PSKIdentityHint: hint,
		CipherSuites:    pskCipherSuites,
		LoggerFactory:   c.lf,
	}
}

// clientKey runs on the handshake goroutine. Hint validation is marshalled to
// the IO loop, the default key needs no round trip.
func (c *Context) clientKey(s *Session, hint []byte) ([]byte, error) {
	if len(hint) == 0 || s.psk.ValidateIH == nil {
		return s.psk.PSKInfo.Key, nil
	}
	return c.ask(s, pskClientEvent{s: s, hint: bytes.Clone(hint), reply: make(chan []byte, 1)})
}

type pskRequest interface {
	event
	replyTo() chan []byte
}

func (c *Context) ask(s *Session, req pskRequest) ([]byte, error) {
	if !c.post(req, s.stop) {
		return nil, ErrFreed
	}
	select {
	case key := <-req.replyTo():
		if key == nil {
			return nil, errNoKey
		}
		return key, nil
	case <-c.runCtx.Done():
		return nil, ErrFreed
	case <-s.stop:
		return nil, ErrFreed
	}
}
