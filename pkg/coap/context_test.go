// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/credentials"
	"github.com/absmach/mcoap/pkg/engine"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/pion/transport/v3/test"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

func quietConfig() Config {
	return Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newTestContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// drive processes IO on every context until done returns true.
func drive(t *testing.T, done func() bool, ctxs ...*Context) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out driving IO")
		}
		for _, c := range ctxs {
			if _, err := c.ProcessIO(5 * time.Millisecond); err != nil {
				t.Fatalf("ProcessIO() error = %v", err)
			}
		}
	}
}

// recorder is a handler.Handler that keeps what it saw.
type recorder struct {
	mu          sync.Mutex
	denyPath    string
	connects    int
	disconnects int
	identities  []string
	codes       []string
}

func (r *recorder) AuthConnect(_ context.Context, hctx *handler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = append(r.identities, string(hctx.Identity))
	return nil
}

func (r *recorder) AuthRequest(_ context.Context, _ *handler.Context, _, path string, _ []byte) error {
	if path == r.denyPath {
		return errors.New("denied")
	}
	return nil
}

func (r *recorder) OnConnect(context.Context, *handler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	return nil
}

func (r *recorder) OnRequest(context.Context, *handler.Context, string, string, []byte) error {
	return nil
}

func (r *recorder) OnResponse(_ context.Context, _ *handler.Context, _, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return nil
}

func (r *recorder) OnDisconnect(context.Context, *handler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	return nil
}

func helloResource() *Resource[string] {
	r := NewResource("hello", "world")
	r.SetMethodHandler(codes.GET, func(r *Resource[string], _ *Session, _, resp *pool.Message) {
		resp.SetContentFormat(message.TextPlain)
		resp.SetBody(bytes.NewReader([]byte(r.Data())))
	})
	return r
}

type reply struct {
	code    codes.Code
	payload string
	err     error
}

func collect(replies *[]reply) ResponseHandler {
	return func(_ *Session, _, resp *pool.Message, err error) {
		if err != nil {
			*replies = append(*replies, reply{err: err})
			return
		}
		body, _ := engine.Payload(resp)
		*replies = append(*replies, reply{code: resp.Code(), payload: string(body)})
	}
}

func TestIOTimeout(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want uint32
	}{
		{"wait indefinitely", WaitIndefinitely, 0},
		{"any negative", -time.Hour, 0},
		{"zero", 0, 1},
		{"one nanosecond", time.Nanosecond, 1},
		{"one millisecond", time.Millisecond, 1},
		{"rounds up", 1500 * time.Microsecond, 2},
		{"whole", 100 * time.Millisecond, 100},
		{"saturates", time.Duration(math.MaxInt64), math.MaxUint32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ioTimeout(tt.in); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := quietConfig()
	cfg.AckTimeout = -time.Second
	if _, err := New(cfg); !errors.Is(err, mcoaperrors.ErrContextCreation) {
		t.Errorf("Expected ErrContextCreation, got %v", err)
	}
}

func TestContext_ConnectUDP(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Close()

	peer := netip.MustParseAddrPort("127.0.0.1:5683")
	h, err := c.ConnectUDP(peer)
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	if h.Peer() != peer {
		t.Errorf("Expected peer %s, got %s", peer, h.Peer())
	}
	found, ok := c.SessionByPeer(peer)
	if !ok || found.ID() != h.ID() {
		t.Error("Expected session table entry under the exact peer address")
	}
	if len(c.Sessions()) != 1 {
		t.Errorf("Expected one session, got %d", len(c.Sessions()))
	}
	if _, ok := c.SessionByPeer(netip.MustParseAddrPort("127.0.0.1:5684")); ok {
		t.Error("Expected no session for another port")
	}

	s, err := h.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if s.Raw().RefCount() != 1 {
		t.Errorf("Expected engine reference count 1, got %d", s.Raw().RefCount())
	}

	ref, err := h.Ref()
	if err != nil {
		t.Fatalf("Ref() error = %v", err)
	}
	if ref.Get() != s {
		t.Error("Expected Ref to hold the same session")
	}
	ref.Release()
}

func TestContext_ResourceByPath(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Close()

	if err := c.AddResource(NewResource("/counter", 42)); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	if err := c.AddResource(NewResource("/name", "lamp")); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}

	for _, path := range []string{"/counter", "counter"} {
		r, ok := c.ResourceByPath(path)
		if !ok {
			t.Fatalf("Expected resource for %s", path)
		}
		typed, ok := AsResource[int](r)
		if !ok || typed.Data() != 42 {
			t.Errorf("Expected int resource with data 42 for %s", path)
		}
	}
	named, ok := c.ResourceByPath("/name")
	if !ok {
		t.Fatal("Expected resource for /name")
	}
	if typed, ok := AsResource[string](named); !ok || typed.Data() != "lamp" || typed.URIPath() != "/name" {
		t.Errorf("Expected string resource lamp at /name, got %v", named.URIPath())
	}
	if len(c.Resources()) != 2 {
		t.Errorf("Expected 2 resources, got %d", len(c.Resources()))
	}

	r, _ := c.ResourceByPath("/counter")
	if _, ok := AsResource[string](r); ok {
		t.Error("Expected AsResource with the wrong type to fail")
	}
	if _, ok := c.ResourceByPath("/missing"); ok {
		t.Error("Expected no resource for /missing")
	}
	mustPanic(t, "adding a resource twice", func() { _ = c.AddResource(r) })
}

func TestContext_ProcessIOIdle(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Close()

	if _, err := c.AddEndpointUDP(loopback); err != nil {
		t.Fatalf("AddEndpointUDP() error = %v", err)
	}
	if err := c.AddResource(helloResource()); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}

	start := time.Now()
	elapsed, err := c.ProcessIO(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("ProcessIO() error = %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("Expected at most 100ms, got %v", elapsed)
	}
	if wall := time.Since(start); wall > time.Second {
		t.Errorf("Expected ProcessIO to return within its timeout, took %v", wall)
	}
}

func TestContext_ConnectDTLSCredentials(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Close()

	provider := credentials.NewStatic([]byte("client1"), []byte("secretkey"))
	h, err := c.ConnectDTLS(netip.MustParseAddrPort("127.0.0.1:5684"), provider)
	if err != nil {
		t.Fatalf("ConnectDTLS() error = %v", err)
	}
	s, err := h.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	psk := s.Raw().PSK()
	if psk == nil {
		t.Fatal("Expected PSK setup on the engine session")
	}
	if string(psk.PSKInfo.Identity) != "client1" || string(psk.PSKInfo.Key) != "secretkey" {
		t.Errorf("Expected client1/secretkey, got %s/%s", psk.PSKInfo.Identity, psk.PSKInfo.Key)
	}

	empty := credentials.ClientFunc(func([]byte) *credentials.PSK { return nil })
	mustPanic(t, "ConnectDTLS without defaults", func() {
		_, _ = c.ConnectDTLS(netip.MustParseAddrPort("127.0.0.1:5685"), empty)
	})
}

func TestContext_CloseWithLiveRef(t *testing.T) {
	c := newTestContext(t, quietConfig())
	h, err := c.ConnectUDP(netip.MustParseAddrPort("127.0.0.1:5683"))
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	ref, err := h.Ref()
	if err != nil {
		t.Fatalf("Ref() error = %v", err)
	}

	mustPanic(t, "Close with a live session holder", c.Close)

	ref.Release()
	c.Raw().Free()
}

func TestContext_RebindAfterClose(t *testing.T) {
	lim := test.CheckRoutines(t)
	defer lim()

	c := newTestContext(t, quietConfig())
	ep, err := c.AddEndpointUDP(loopback)
	if err != nil {
		t.Fatalf("AddEndpointUDP() error = %v", err)
	}
	addr := ep.LocalAddr()
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("Expected healthy context, got %v", err)
	}
	c.Close()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, mcoaperrors.ErrContextClosed) {
		t.Errorf("Expected ErrContextClosed, got %v", err)
	}

	c2 := newTestContext(t, quietConfig())
	if _, err := c2.AddEndpointUDP(addr); err != nil {
		t.Errorf("Expected rebind of %s to succeed, got %v", addr, err)
	}
	c2.Close()
	c2.Close()
}

func TestContext_Exchange(t *testing.T) {
	hooks := &recorder{denyPath: "/secret"}
	cfg := quietConfig()
	cfg.Handler = hooks
	srv := newTestContext(t, cfg)

	if err := srv.AddResource(helloResource()); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	secret := NewResource("secret", struct{}{})
	secret.SetMethodHandler(codes.GET, func(*Resource[struct{}], *Session, *pool.Message, *pool.Message) {
		t.Error("Expected denied request not to reach the resource")
	})
	if err := srv.AddResource(secret); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	ep, err := srv.AddEndpointUDP(loopback)
	if err != nil {
		t.Fatalf("AddEndpointUDP() error = %v", err)
	}

	cli := newTestContext(t, quietConfig())
	defer cli.Close()
	h, err := cli.ConnectUDP(ep.LocalAddr())
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	var replies []reply
	if err := h.SetResponseHandler(collect(&replies)); err != nil {
		t.Fatalf("SetResponseHandler() error = %v", err)
	}

	for _, path := range []string{"/hello", "/secret", "/missing"} {
		if _, err := h.Get(path); err != nil {
			t.Fatalf("Get(%s) error = %v", path, err)
		}
	}
	drive(t, func() bool { return len(replies) == 3 }, cli, srv)

	want := map[codes.Code]string{codes.Content: "world", codes.Unauthorized: "", codes.NotFound: ""}
	for _, r := range replies {
		payload, ok := want[r.code]
		if !ok {
			t.Errorf("Unexpected response code %v", r.code)
			continue
		}
		if payload != r.payload {
			t.Errorf("Expected payload %q for %v, got %q", payload, r.code, r.payload)
		}
	}
	if hooks.connects != 1 {
		t.Errorf("Expected one connect, got %d", hooks.connects)
	}
	if len(hooks.codes) != 2 {
		t.Errorf("Expected response hooks for the two routed requests, got %v", hooks.codes)
	}
	if ep.Sessions() != 1 {
		t.Errorf("Expected one server session, got %d", ep.Sessions())
	}

	// Server sessions are not part of the client table.
	if len(srv.Sessions()) != 0 {
		t.Errorf("Expected no client sessions on the server, got %d", len(srv.Sessions()))
	}

	srv.Close()
	if hooks.disconnects != 1 {
		t.Errorf("Expected one disconnect on close, got %d", hooks.disconnects)
	}
}

func TestContext_MethodHandlerAfterAdd(t *testing.T) {
	srv := newTestContext(t, quietConfig())
	defer srv.Close()
	res := NewResource("/lamp", new(string))
	if err := srv.AddResource(res); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	res.SetMethodHandler(codes.PUT, func(r *Resource[*string], _ *Session, req, resp *pool.Message) {
		body, _ := engine.Payload(req)
		*r.Data() = string(body)
		resp.SetCode(codes.Changed)
	})
	ep, err := srv.AddEndpointUDP(loopback)
	if err != nil {
		t.Fatalf("AddEndpointUDP() error = %v", err)
	}

	cli := newTestContext(t, quietConfig())
	defer cli.Close()
	h, err := cli.ConnectUDP(ep.LocalAddr())
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	var replies []reply
	_ = h.SetResponseHandler(collect(&replies))
	if _, err := h.Put("/lamp", []byte("on")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := h.Delete("/lamp"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	drive(t, func() bool { return len(replies) == 2 }, cli, srv)

	got := map[codes.Code]bool{}
	for _, r := range replies {
		got[r.code] = true
	}
	if !got[codes.Changed] || !got[codes.MethodNotAllowed] {
		t.Errorf("Expected 2.04 and 4.05, got %v", replies)
	}
	if *res.Data() != "on" {
		t.Errorf("Expected lamp on, got %q", *res.Data())
	}
}

func TestContext_DTLSExchange(t *testing.T) {
	hooks := &recorder{}
	cfg := quietConfig()
	cfg.Handler = hooks
	srv := newTestContext(t, cfg)
	defer srv.Close()

	if _, err := srv.AddEndpointDTLS(loopback); !errors.Is(err, mcoaperrors.ErrEndpointCreation) {
		t.Errorf("Expected ErrEndpointCreation without credentials, got %v", err)
	}

	table := credentials.NewTable([]byte("mcoap"))
	table.Add([]byte("client1"), []byte("secretkey"))
	if err := srv.SetServerCredentialProvider(table); err != nil {
		t.Fatalf("SetServerCredentialProvider() error = %v", err)
	}
	if err := srv.AddResource(helloResource()); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	ep, err := srv.AddEndpointDTLS(loopback)
	if err != nil {
		t.Fatalf("AddEndpointDTLS() error = %v", err)
	}

	cli := newTestContext(t, quietConfig())
	defer cli.Close()
	h, err := cli.ConnectDTLS(ep.LocalAddr(), credentials.NewStatic([]byte("client1"), []byte("secretkey")))
	if err != nil {
		t.Fatalf("ConnectDTLS() error = %v", err)
	}
	var replies []reply
	_ = h.SetResponseHandler(collect(&replies))
	if _, err := h.Get("/hello"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	drive(t, func() bool { return len(replies) == 1 }, cli, srv)

	if replies[0].code != codes.Content || replies[0].payload != "world" {
		t.Errorf("Expected 2.05 world, got %v %q", replies[0].code, replies[0].payload)
	}
	if len(hooks.identities) != 1 || hooks.identities[0] != "client1" {
		t.Errorf("Expected AuthConnect for client1, got %v", hooks.identities)
	}
}

// noDefaults knows client keys but has no default server credentials.
type noDefaults struct{}

func (noDefaults) ProvideHintForSNI(string) *credentials.PSK { return nil }

func (noDefaults) ProvideKeyForIdentity([]byte) []byte { return []byte("secretkey") }

func TestContext_ReplaceServerCredentialProvider(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Close()

	before := handles.len()
	if err := c.SetServerCredentialProvider(credentials.NewTable([]byte("a"))); err != nil {
		t.Fatalf("SetServerCredentialProvider() error = %v", err)
	}
	if err := c.SetServerCredentialProvider(noDefaults{}); err != nil {
		t.Fatalf("SetServerCredentialProvider() error = %v", err)
	}
	if handles.len() != before+1 {
		t.Errorf("Expected the replaced provider to be released, got %d handles over %d", handles.len(), before)
	}

	ref := BorrowRaw[credentials.ServerProvider](c.serverProvider)
	if _, ok := ref.Get().(noDefaults); !ok {
		t.Errorf("Expected the new provider to be stored, got %T", ref.Get())
	}
	ref.Release()

	if _, err := c.AddEndpointDTLS(loopback); !errors.Is(err, mcoaperrors.ErrEndpointCreation) {
		t.Errorf("Expected ErrEndpointCreation with a provider lacking defaults, got %v", err)
	}

	if err := c.SetServerCredentialProvider(nil); err != nil {
		t.Fatalf("SetServerCredentialProvider(nil) error = %v", err)
	}
	if c.serverProvider != 0 || handles.len() != before {
		t.Errorf("Expected nil provider to release every handle, got %d over %d", handles.len(), before)
	}
}

func TestContext_RequestFailed(t *testing.T) {
	silent, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(loopback))
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	cfg := quietConfig()
	cfg.AckTimeout = 10 * time.Millisecond
	cfg.MaxRetransmit = 1
	c := newTestContext(t, cfg)
	defer c.Close()

	h, err := c.ConnectUDP(silent.LocalAddr().(*net.UDPAddr).AddrPort())
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	var replies []reply
	_ = h.SetResponseHandler(collect(&replies))
	if _, err := h.Get("/hello"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if h.Outstanding() != 1 {
		t.Errorf("Expected one outstanding request, got %d", h.Outstanding())
	}
	drive(t, func() bool { return len(replies) == 1 }, c)

	if !errors.Is(replies[0].err, mcoaperrors.ErrRequestFailed) {
		t.Errorf("Expected ErrRequestFailed, got %v", replies[0].err)
	}
	if h.Outstanding() != 0 {
		t.Errorf("Expected no outstanding requests, got %d", h.Outstanding())
	}
}

func TestContext_ShutdownDrains(t *testing.T) {
	srv := newTestContext(t, quietConfig())
	if err := srv.AddResource(helloResource()); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	ep, err := srv.AddEndpointUDP(loopback)
	if err != nil {
		t.Fatalf("AddEndpointUDP() error = %v", err)
	}

	stop := make(chan struct{})
	served := make(chan struct{})
	go func() {
		defer close(served)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := srv.ProcessIO(5 * time.Millisecond); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(stop)
		<-served
		srv.Close()
	}()

	cli := newTestContext(t, quietConfig())
	h, err := cli.ConnectUDP(ep.LocalAddr())
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	var replies []reply
	_ = h.SetResponseHandler(collect(&replies))
	if _, err := h.Get("/hello"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if err := cli.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !cli.Closed() {
		t.Error("Expected context closed after Shutdown")
	}
	if len(replies) != 1 || replies[0].code != codes.Content {
		t.Errorf("Expected the in-flight request to complete, got %v", replies)
	}
}

func TestContext_ShutdownTimeout(t *testing.T) {
	silent, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(loopback))
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	c := newTestContext(t, quietConfig())
	h, err := c.ConnectUDP(silent.LocalAddr().(*net.UDPAddr).AddrPort())
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	if _, err := h.Get("/hello"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	err = c.Shutdown(50 * time.Millisecond)
	if !errors.Is(err, mcoaperrors.ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
	if !c.Closed() {
		t.Error("Expected context closed even after timeout")
	}
}

func TestContext_UseAfterClose(t *testing.T) {
	c := newTestContext(t, quietConfig())
	h, err := c.ConnectUDP(netip.MustParseAddrPort("127.0.0.1:5683"))
	if err != nil {
		t.Fatalf("ConnectUDP() error = %v", err)
	}
	c.Close()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Get", func() error { _, err := h.Get("/hello"); return err }},
		{"Ref", func() error { _, err := h.Ref(); return err }},
		{"SetResponseHandler", func() error { return h.SetResponseHandler(nil) }},
		{"ConnectUDP", func() error { _, err := c.ConnectUDP(h.Peer()); return err }},
		{"AddEndpointUDP", func() error { _, err := c.AddEndpointUDP(loopback); return err }},
		{"AddResource", func() error { return c.AddResource(NewResource("x", 0)) }},
		{"ProcessIO", func() error { _, err := c.ProcessIO(time.Millisecond); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, mcoaperrors.ErrContextClosed) {
				t.Errorf("Expected ErrContextClosed, got %v", err)
			}
		})
	}
}

func TestContext_Unimplemented(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Close()

	if _, err := c.AddEndpointTCP(loopback); !errors.Is(err, mcoaperrors.ErrUnimplemented) {
		t.Errorf("Expected ErrUnimplemented for TCP, got %v", err)
	}
	if _, err := c.AddEndpointTLS(loopback); !errors.Is(err, mcoaperrors.ErrUnimplemented) {
		t.Errorf("Expected ErrUnimplemented for TLS, got %v", err)
	}
	_, err := c.ConnectOSCORE(netip.AddrPort{}, netip.MustParseAddrPort("127.0.0.1:5683"), TCP, OSCOREConfig{})
	if !errors.Is(err, mcoaperrors.ErrUnimplemented) {
		t.Errorf("Expected ErrUnimplemented for OSCORE over TCP, got %v", err)
	}
}

func TestContext_ConnectOSCORE(t *testing.T) {
	c := newTestContext(t, quietConfig())
	defer c.Close()

	conf := OSCOREConfig{
		MasterSecret: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SenderID:     []byte{},
		RecipientID:  []byte{0x01},
	}
	h, err := c.ConnectOSCORE(netip.AddrPort{}, netip.MustParseAddrPort("127.0.0.1:5683"), UDP, conf)
	if err != nil {
		t.Fatalf("ConnectOSCORE() error = %v", err)
	}
	s, _ := h.Session()
	if s.Raw().OSCORE() == nil {
		t.Error("Expected OSCORE context on the session")
	}

	_, err = c.ConnectOSCORE(netip.AddrPort{}, netip.MustParseAddrPort("127.0.0.1:5684"), UDP, OSCOREConfig{})
	if !errors.Is(err, mcoaperrors.ErrSessionCreation) {
		t.Errorf("Expected ErrSessionCreation for empty master secret, got %v", err)
	}
}
