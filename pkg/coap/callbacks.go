// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/mcoap/pkg/credentials"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// The functions below are registered with the engine once per context. They
// carry no state of their own and find the host objects through the user
// data slots of the engine objects they are called with.

func contextFromRaw(raw *engine.Context) *Context {
	ref := BorrowRaw[*Context](raw.AppData())
	defer ref.Release()
	return ref.Get()
}

func handleResponse(raw *engine.Session, sent, received *pool.Message, _ int32) engine.ResponseResult {
	ref := sessionFromRaw(raw)
	defer ref.Release()

	s, done := ref.Borrow()
	fn := s.onResponse
	done()
	if fn == nil {
		s.ctx.logger.Debug("response without handler",
			append(s.logAttrs(), slog.String("code", received.Code().String()))...)
		return engine.ResponseOK
	}
	fn(s, sent, received, nil)
	return engine.ResponseOK
}

func handleNack(raw *engine.Session, sent *pool.Message, reason engine.NackReason) {
	ref := sessionFromRaw(raw)
	defer ref.Release()

	s, done := ref.Borrow()
	fn := s.onResponse
	done()
	s.ctx.logger.Debug("request failed", append(s.logAttrs(), slog.String("reason", reason.String()))...)
	if fn == nil {
		return
	}
	fn(s, sent, nil, fmt.Errorf("%w: %s", errors.ErrRequestFailed, reason))
}

func validateIH(hint []byte, raw *engine.Session, _ uintptr) *engine.ClientPSKInfo {
	ref := sessionFromRaw(raw)
	defer ref.Release()

	s, done := ref.Borrow()
	p := s.clientProvider
	done()
	if p == nil {
		return nil
	}
	psk := p.ProvideInfoForHint(hint)
	if psk == nil {
		s.ctx.logger.Warn("no client credentials for hint",
			append(s.logAttrs(), slog.String("hint", string(hint)))...)
		return nil
	}
	return &engine.ClientPSKInfo{Identity: psk.Identity, Key: psk.Key}
}

func validateID(identity []byte, raw *engine.Session, arg uintptr) []byte {
	pref := BorrowRaw[credentials.ServerProvider](arg)
	defer pref.Release()
	provider := pref.Get()

	ref := sessionFromRaw(raw)
	defer ref.Release()
	s, done := ref.BorrowMut()
	(*s).serverProvider = provider
	sess := *s
	done()

	c := sess.ctx
	hctx := sess.handlerContext()
	hctx.Identity = identity
	if err := c.handler.AuthConnect(context.Background(), hctx); err != nil {
		c.logger.Warn("client rejected",
			append(sess.logAttrs(), slog.String("identity", string(identity)), slog.Any("error", err))...)
		return nil
	}
	return provider.ProvideKeyForIdentity(identity)
}

func dispatchRequest(raw *engine.Resource, rs *engine.Session, req, resp *pool.Message) {
	rref := BorrowRaw[UntypedResource](raw.AppData())
	defer rref.Release()
	res := rref.Get()

	sref := sessionFromRaw(rs)
	defer sref.Release()
	s := sref.Get()
	c := s.ctx

	method := req.Code().String()
	path := res.URIPath()
	payload, err := engine.Payload(req)
	if err != nil {
		resp.SetCode(codes.BadRequest)
		return
	}

	ctx := context.Background()
	hctx := s.handlerContext()
	if err := c.handler.AuthRequest(ctx, hctx, method, path, payload); err != nil {
		c.logger.Debug("request rejected",
			append(s.logAttrs(), slog.String("method", method), slog.String("path", path), slog.Any("error", err))...)
		resp.SetCode(codes.Unauthorized)
	} else {
		if !res.serve(s, req, resp) {
			resp.SetCode(codes.MethodNotAllowed)
		}
		if err := c.handler.OnRequest(ctx, hctx, method, path, payload); err != nil {
			c.logger.Warn("request hook failed", append(s.logAttrs(), slog.Any("error", err))...)
		}
	}
	if err := c.handler.OnResponse(ctx, hctx, path, resp.Code().String()); err != nil {
		c.logger.Warn("response hook failed", append(s.logAttrs(), slog.Any("error", err))...)
	}
}

// releaseAppData is the engine releaser. It runs whenever the engine frees
// an object whose user data slot is still set.
func releaseAppData(data uintptr) {
	switch ref := handles.take(data).(type) {
	case *AppDataRef[*Session]:
		if s := ref.Get(); s.role == RoleServer {
			s.ctx.disconnected(s)
		}
		ref.Release()
	case interface{ Release() }:
		ref.Release()
	}
}
