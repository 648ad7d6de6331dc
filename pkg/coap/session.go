// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/absmach/mcoap/pkg/credentials"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// ResponseHandler receives the response to a request sent on a session. When
// the engine gives up on a confirmable request, resp is nil and err wraps
// errors.ErrRequestFailed.
type ResponseHandler func(s *Session, req, resp *pool.Message, err error)

// Session is the host side of an engine session. Client sessions are created
// by the Context connect methods, server sessions appear inside callbacks the
// first time a peer talks to an endpoint.
type Session struct {
	id        string
	ctx       *Context
	raw       *engine.Session
	role      Role
	transport Transport
	peer      netip.AddrPort

	onResponse     ResponseHandler
	clientProvider credentials.ClientProvider
	serverProvider credentials.ServerProvider
}

func newSession(c *Context, raw *engine.Session, t Transport) *Session {
	role := RoleClient
	if raw.Role() == engine.RoleServer {
		role = RoleServer
	}
	return &Session{
		id:        uuid.NewString(),
		ctx:       c,
		raw:       raw,
		role:      role,
		transport: t,
		peer:      raw.Peer(),
	}
}

// sessionFromRaw resolves the Session attached to raw, attaching a new one to
// server sessions seen for the first time. The caller owns the returned
// holder and must release it.
func sessionFromRaw(raw *engine.Session) *AppDataRef[*Session] {
	if slot := raw.AppData(); slot != 0 {
		return BorrowRaw[*Session](slot)
	}
	c := contextFromRaw(raw.Context())
	t := UDP
	if raw.Proto() == engine.ProtoDTLS {
		t = DTLS
	}
	s := newSession(c, raw, t)
	ref := NewAppDataRef(s)
	raw.SetAppData(ref.Clone().IntoRaw())
	if s.role == RoleServer {
		c.connected(s)
	}
	return ref
}

// ID returns the session identifier used in hook contexts and logs.
func (s *Session) ID() string { return s.id }

// Role returns whether the session was dialed or accepted.
func (s *Session) Role() Role { return s.role }

// Transport returns the session transport.
func (s *Session) Transport() Transport { return s.transport }

// Peer returns the remote address.
func (s *Session) Peer() netip.AddrPort { return s.peer }

// Local returns the local address.
func (s *Session) Local() netip.AddrPort { return s.raw.Local() }

// Identity returns the PSK identity a server session authenticated with.
func (s *Session) Identity() []byte { return s.raw.Identity() }

// Raw exposes the engine session.
func (s *Session) Raw() *engine.Session { return s.raw }

func (s *Session) handlerContext() *handler.Context {
	return &handler.Context{
		SessionID:  s.id,
		Identity:   s.raw.Identity(),
		RemoteAddr: s.peer.String(),
		Protocol:   s.transport.String(),
	}
}

func (s *Session) logAttrs() []any {
	return []any{
		slog.String("session", s.id),
		slog.String("peer", s.peer.String()),
		slog.String("role", s.role.String()),
		slog.String("transport", s.transport.String()),
	}
}

// SessionHandle is a non-owning reference to a client session of a Context.
// Every method fails with errors.ErrContextClosed once the context is closed.
type SessionHandle struct {
	ctx *Context
	s   *Session
}

func (h *SessionHandle) session() (*Session, error) {
	if h.ctx.closed || h.s.raw.Freed() {
		return nil, errors.ErrContextClosed
	}
	return h.s, nil
}

// ID returns the session identifier.
func (h *SessionHandle) ID() string { return h.s.id }

// Peer returns the address the session was created for.
func (h *SessionHandle) Peer() netip.AddrPort { return h.s.peer }

// Role returns the session role, always RoleClient for handles.
func (h *SessionHandle) Role() Role { return h.s.role }

// Transport returns the session transport.
func (h *SessionHandle) Transport() Transport { return h.s.transport }

// Session returns the session behind the handle.
func (h *SessionHandle) Session() (*Session, error) {
	return h.session()
}

// Ref returns a new holder of the session. It must be released before the
// context is closed, otherwise Close panics.
func (h *SessionHandle) Ref() (*AppDataRef[*Session], error) {
	if _, err := h.session(); err != nil {
		return nil, err
	}
	i := slices.IndexFunc(h.ctx.sessions, func(e sessionEntry) bool { return e.ref.Get() == h.s })
	if i < 0 {
		return nil, errors.ErrContextClosed
	}
	return h.ctx.sessions[i].ref.Clone(), nil
}

// SetResponseHandler installs the handler for responses on this session.
func (h *SessionHandle) SetResponseHandler(fn ResponseHandler) error {
	s, err := h.session()
	if err != nil {
		return err
	}
	s.onResponse = fn
	return nil
}

// SetCredentialProvider replaces the provider consulted for server hints.
func (h *SessionHandle) SetCredentialProvider(p credentials.ClientProvider) error {
	s, err := h.session()
	if err != nil {
		return err
	}
	s.clientProvider = p
	return nil
}

// NewRequest returns a confirmable request for path.
func (h *SessionHandle) NewRequest(code codes.Code, path string) (*pool.Message, error) {
	s, err := h.session()
	if err != nil {
		return nil, err
	}
	msg := s.raw.NewMessage()
	msg.SetCode(code)
	msg.SetType(message.Confirmable)
	if err := msg.SetPath(path); err != nil {
		return nil, errors.Wrap(err, "failed to set request path")
	}
	return msg, nil
}

// Send transmits msg and returns its message ID.
func (h *SessionHandle) Send(msg *pool.Message) (int32, error) {
	s, err := h.session()
	if err != nil {
		return -1, err
	}
	mid, err := s.raw.Send(msg)
	if err != nil {
		return -1, errors.Wrap(err, "failed to send "+msg.Code().String())
	}
	return mid, nil
}

// Request builds and sends a confirmable request.
func (h *SessionHandle) Request(code codes.Code, path string, payload []byte) (int32, error) {
	msg, err := h.NewRequest(code, path)
	if err != nil {
		return -1, err
	}
	if payload != nil {
		msg.SetContentFormat(message.TextPlain)
		msg.SetBody(bytes.NewReader(payload))
	}
	return h.Send(msg)
}

// Get sends a GET request for path.
func (h *SessionHandle) Get(path string) (int32, error) {
	return h.Request(codes.GET, path, nil)
}

// Post sends a POST request for path.
func (h *SessionHandle) Post(path string, payload []byte) (int32, error) {
	return h.Request(codes.POST, path, payload)
}

// Put sends a PUT request for path.
func (h *SessionHandle) Put(path string, payload []byte) (int32, error) {
	return h.Request(codes.PUT, path, payload)
}

// Delete sends a DELETE request for path.
func (h *SessionHandle) Delete(path string) (int32, error) {
	return h.Request(codes.DELETE, path, nil)
}

// Outstanding returns the number of unacknowledged confirmable requests.
func (h *SessionHandle) Outstanding() int {
	if h.s.raw.Freed() {
		return 0
	}
	return h.s.raw.Outstanding()
}

func (c *Context) connected(s *Session) {
	c.logger.Debug("session opened", s.logAttrs()...)
	if err := c.handler.OnConnect(context.Background(), s.handlerContext()); err != nil {
		c.logger.Warn("connect hook failed", append(s.logAttrs(), slog.Any("error", err))...)
	}
}

func (c *Context) disconnected(s *Session) {
	c.logger.Debug("session closed", s.logAttrs()...)
	if err := c.handler.OnDisconnect(context.Background(), s.handlerContext()); err != nil {
		c.logger.Warn("disconnect hook failed", append(s.logAttrs(), slog.Any("error", err))...)
	}
}
