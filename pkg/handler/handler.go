// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
)

// Context contains session metadata passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// Identity is the PSK identity the peer authenticated with (DTLS only)
	Identity []byte

	// RemoteAddr is the peer's network address
	RemoteAddr string

	// Protocol indicates the transport being used (udp, dtls)
	Protocol string
}

// Handler defines authorization and notification callbacks for server-side
// CoAP events. The context calls these on its IO goroutine.
//
// Authorization methods (AuthConnect, AuthRequest) run BEFORE the action. An
// error rejects it: a failed handshake for AuthConnect, a 4.01 response for
// AuthRequest.
//
// Notification methods (OnConnect, OnRequest, OnResponse, OnDisconnect) run
// AFTER the action. Their errors are logged and don't change the outcome.
type Handler interface {
	// AuthConnect authorizes a DTLS client identity during the handshake.
	AuthConnect(ctx context.Context, hctx *Context) error

	// AuthRequest authorizes a request before it reaches the resource.
	AuthRequest(ctx context.Context, hctx *Context, method, path string, payload []byte) error

	// OnConnect is called when a server session is first seen.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnRequest is called after a resource handled a request.
	OnRequest(ctx context.Context, hctx *Context, method, path string, payload []byte) error

	// OnResponse is called with the response code sent for a request.
	OnResponse(ctx context.Context, hctx *Context, path, code string) error

	// OnDisconnect is called when a server session expires or closes.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) AuthRequest(ctx context.Context, hctx *Context, method, path string, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnRequest(ctx context.Context, hctx *Context, method, path string, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnResponse(ctx context.Context, hctx *Context, path, code string) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

// Chain combines handlers. Authorization stops at the first rejection,
// notifications reach every handler and their errors are joined.
func Chain(handlers ...Handler) Handler {
	return chain(handlers)
}

type chain []Handler

var _ Handler = chain(nil)

func (c chain) AuthConnect(ctx context.Context, hctx *Context) error {
	for _, h := range c {
		if err := h.AuthConnect(ctx, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) AuthRequest(ctx context.Context, hctx *Context, method, path string, payload []byte) error {
	for _, h := range c {
		if err := h.AuthRequest(ctx, hctx, method, path, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) OnConnect(ctx context.Context, hctx *Context) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnConnect(ctx, hctx))
	}
	return errors.Join(errs...)
}

func (c chain) OnRequest(ctx context.Context, hctx *Context, method, path string, payload []byte) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnRequest(ctx, hctx, method, path, payload))
	}
	return errors.Join(errs...)
}

func (c chain) OnResponse(ctx context.Context, hctx *Context, path, code string) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnResponse(ctx, hctx, path, code))
	}
	return errors.Join(errs...)
}

func (c chain) OnDisconnect(ctx context.Context, hctx *Context) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnDisconnect(ctx, hctx))
	}
	return errors.Join(errs...)
}
