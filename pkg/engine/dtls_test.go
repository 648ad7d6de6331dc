// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

var (
	testIdentity = []byte("client1")
	testKey      = []byte("secretkey")
	testHint     = []byte("mcoap")
)

func dtlsServer(t *testing.T) (*Context, *Endpoint, *[]byte) {
	t.Helper()
	srv := newTestContext(t, quietConfig())
	var seen []byte
	err := srv.SetServerPSK(&ServerPSKSetup{
		ValidateID: func(identity []byte, _ *Session, _ uintptr) []byte {
			seen = bytes.Clone(identity)
			if bytes.Equal(identity, testIdentity) {
				return testKey
			}
			return nil
		},
		PSKInfo: ServerPSKInfo{Hint: testHint},
	})
	if err != nil {
		t.Fatalf("SetServerPSK() error = %v", err)
	}
	res := NewResource("/hello")
	res.RegisterHandler(codes.GET, func(_ *Resource, _ *Session, _, resp *pool.Message) {
		resp.SetBody(bytes.NewReader([]byte("secure world")))
	})
	if err := srv.AddResource(res); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	ep, err := srv.NewEndpoint(loopback, ProtoDTLS)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	return srv, ep, &seen
}

func TestContext_DTLSExchange(t *testing.T) {
	srv, ep, seen := dtlsServer(t)
	defer srv.Free()
	cli := newTestContext(t, quietConfig())
	defer cli.Free()

	var payload []byte
	cli.RegisterResponseHandler(func(_ *Session, _, received *pool.Message, _ int32) ResponseResult {
		payload, _ = Payload(received)
		return ResponseOK
	})

	hints := 0
	setup := &ClientPSKSetup{
		ValidateIH: func(hint []byte, _ *Session, _ uintptr) *ClientPSKInfo {
			hints++
			if !bytes.Equal(hint, testHint) {
				return nil
			}
			return &ClientPSKInfo{Identity: testIdentity, Key: testKey}
		},
		PSKInfo: ClientPSKInfo{Identity: testIdentity, Key: testKey},
	}
	s, err := cli.NewClientSessionPSK(netip.AddrPort{}, ep.LocalAddr(), ProtoDTLS, setup)
	if err != nil {
		t.Fatalf("NewClientSessionPSK() error = %v", err)
	}
	if !bytes.Equal(s.PSK().PSKInfo.Identity, testIdentity) || !bytes.Equal(s.PSK().PSKInfo.Key, testKey) {
		t.Errorf("Expected PSK setup %q/%q, got %q/%q",
			testIdentity, testKey, s.PSK().PSKInfo.Identity, s.PSK().PSKInfo.Key)
	}

	// Queued until the handshake completes.
	if _, err := s.Send(getRequest(t, s, "/hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if cli.CanExit() {
		t.Error("Expected CanExit to be false while the handshake is running")
	}

	drive(t, func() bool { return payload != nil }, srv, cli)

	if string(payload) != "secure world" {
		t.Errorf("Expected secure world, got %q", payload)
	}
	if !s.Handshaked() {
		t.Error("Expected client session to be handshaked")
	}
	if hints != 1 {
		t.Errorf("Expected one hint validation, got %d", hints)
	}
	if !bytes.Equal(*seen, testIdentity) {
		t.Errorf("Expected server to see identity %q, got %q", testIdentity, *seen)
	}
	for _, ss := range ep.sessions {
		if !bytes.Equal(ss.Identity(), testIdentity) {
			t.Errorf("Expected server session identity %q, got %q", testIdentity, ss.Identity())
		}
	}
}

func TestContext_DTLSUnknownIdentity(t *testing.T) {
	srv, ep, _ := dtlsServer(t)
	defer srv.Free()
	cfg := quietConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cli := newTestContext(t, cfg)
	defer cli.Free()

	var reason *NackReason
	cli.RegisterNackHandler(func(_ *Session, _ *pool.Message, r NackReason) { reason = &r })

	setup := &ClientPSKSetup{PSKInfo: ClientPSKInfo{Identity: []byte("intruder"), Key: []byte("guess")}}
	s, err := cli.NewClientSessionPSK(netip.AddrPort{}, ep.LocalAddr(), ProtoDTLS, setup)
	if err != nil {
		t.Fatalf("NewClientSessionPSK() error = %v", err)
	}
	if _, err := s.Send(getRequest(t, s, "/hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	drive(t, func() bool { return reason != nil }, srv, cli)

	if *reason != NackTLSFailed {
		t.Errorf("Expected tls_failed, got %s", reason)
	}
	if s.RefCount() != 1 {
		t.Errorf("Expected refcount 1 after failed handshake, got %d", s.RefCount())
	}
	if _, err := s.Send(getRequest(t, s, "/hello")); err == nil {
		t.Error("Expected Send to fail after a failed handshake")
	}
}

func TestContext_ClientSessionErrors(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Free()
	peer := netip.MustParseAddrPort("127.0.0.1:5684")

	cases := []struct {
		name string
		fn   func() error
		err  error
	}{
		{"dtls without psk", func() error {
			_, err := c.NewClientSession(netip.AddrPort{}, peer, ProtoDTLS)
			return err
		}, ErrNoSecurity},
		{"tcp", func() error {
			_, err := c.NewClientSession(netip.AddrPort{}, peer, ProtoTCP)
			return err
		}, ErrUnsupportedProto},
		{"psk without key", func() error {
			_, err := c.NewClientSessionPSK(netip.AddrPort{}, peer, ProtoDTLS, &ClientPSKSetup{})
			return err
		}, ErrNoSecurity},
		{"invalid peer", func() error {
			_, err := c.NewClientSession(netip.AddrPort{}, netip.AddrPort{}, ProtoUDP)
			return err
		}, ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !errors.Is(err, tc.err) {
				t.Errorf("Expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestContext_SetServerPSKValidation(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Free()

	if err := c.SetServerPSK(&ServerPSKSetup{}); !errors.Is(err, ErrNoSecurity) {
		t.Errorf("Expected ErrNoSecurity for empty setup, got %v", err)
	}
	if err := c.SetServerPSK(&ServerPSKSetup{PSKInfo: ServerPSKInfo{Key: testKey}}); err != nil {
		t.Errorf("SetServerPSK() error = %v", err)
	}
	if err := c.SetServerPSK(nil); err != nil {
		t.Errorf("SetServerPSK(nil) error = %v", err)
	}
	if _, err := c.NewEndpoint(loopback, ProtoDTLS); !errors.Is(err, ErrNoSecurity) {
		t.Errorf("Expected ErrNoSecurity after clearing PSK, got %v", err)
	}
}

func TestEndpoint_FreeWhileAccepting(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	for range 3 {
		srv, ep, _ := dtlsServer(t)
		cli := newTestContext(t, quietConfig())
		setup := &ClientPSKSetup{PSKInfo: ClientPSKInfo{Identity: testIdentity, Key: testKey}}
		if _, err := cli.NewClientSessionPSK(netip.AddrPort{}, ep.LocalAddr(), ProtoDTLS, setup); err != nil {
			t.Fatalf("NewClientSessionPSK() error = %v", err)
		}

		// Free the server as soon as it has accepted the peer, with the
		// handshake still running.
		drive(t, func() bool { return ep.Sessions() == 1 }, srv)
		srv.Free()
		if !srv.Freed() {
			t.Error("Expected server context to be freed")
		}
		cli.Free()
	}
}
