// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// RequestHandler serves one request. resp is pre-filled with the request
// token and code 2.05.
type RequestHandler func(r *Resource, s *Session, req, resp *pool.Message)

// Resource is a request target identified by its URI path.
type Resource struct {
	path     string
	handlers map[codes.Code]RequestHandler
	ctx      *Context
	appData  uintptr
	freed    bool
}

// NewResource creates an unattached resource for uriPath.
func NewResource(uriPath string) *Resource {
	return &Resource{
		path:     NormalizePath(uriPath),
		handlers: make(map[codes.Code]RequestHandler),
	}
}

// NormalizePath prefixes p with a slash when missing.
func NormalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// URIPath returns the resource path.
func (r *Resource) URIPath() string { return r.path }

// AppData returns the user data slot.
func (r *Resource) AppData() uintptr { return r.appData }

// SetAppData sets the user data slot.
func (r *Resource) SetAppData(data uintptr) { r.appData = data }

// Freed reports whether the owning context released the resource.
func (r *Resource) Freed() bool { return r.freed }

// RegisterHandler sets the handler for method code.
func (r *Resource) RegisterHandler(code codes.Code, h RequestHandler) {
	r.handlers[code] = h
}

// AddResource hands r to the context, which frees it on Context.Free.
// Paths are matched exactly and the first registered resource wins.
func (c *Context) AddResource(r *Resource) error {
	if c.freed {
		return ErrFreed
	}
	if r.ctx != nil {
		panic("engine: resource added twice")
	}
	if c.ResourceByPath(r.path) != nil {
		c.logger.Warn("duplicate resource path", slog.String("path", r.path))
	}
	r.ctx = c
	c.resources = append(c.resources, r)
	c.stats.resources.Add(1)
	c.metrics.ResourceAdded()
	return nil
}

// ResourceByPath returns the resource serving path, or nil.
func (c *Context) ResourceByPath(path string) *Resource {
	path = NormalizePath(path)
	for _, r := range c.resources {
		if r.path == path {
			return r
		}
	}
	return nil
}

func (c *Context) receive(s *Session, data []byte) {
	msg, err := decode(c.runCtx, data)
	if err != nil {
		c.logger.Debug("dropping malformed datagram",
			slog.String("peer", s.peer.String()),
			slog.String("error", err.Error()))
		return
	}
	c.metrics.Message("in", typeName(msg.Type()))

	switch code := msg.Code(); {
	case code == codes.Empty:
		c.handleEmpty(s, msg)
	case isRequest(code):
		c.handleRequest(s, msg)
	default:
		c.handleResponse(s, msg)
	}
}

func (c *Context) handleEmpty(s *Session, msg *pool.Message) {
	mid := msg.MessageID()
	switch msg.Type() {
	case message.Acknowledgement:
		if ex, ok := s.exchanges[mid]; ok {
			s.settle(ex, nil)
		}
	case message.Reset:
		if ex, ok := s.exchanges[mid]; ok {
			c.nack(s, ex.sent, NackReset)
			s.complete(ex, nil)
		}
	case message.Confirmable:
		s.sendEmpty(message.Reset, mid)
	}
}

func (c *Context) handleResponse(s *Session, msg *pool.Message) {
	mid := msg.MessageID()
	var ex *exchange
	if msg.Type() == message.Acknowledgement {
		ex = s.exchanges[mid]
	}
	if ex == nil {
		ex = s.exchangeByToken(msg.Token())
	}
	if ex == nil {
		c.logger.Debug("dropping unmatched response",
			slog.String("peer", s.peer.String()),
			slog.String("code", msg.Code().String()))
		if msg.Type() == message.Confirmable {
			s.sendEmpty(message.Reset, mid)
		}
		return
	}

	if c.blockMode&BlockUseLibrary != 0 && c.nextBlock(s, ex, msg) {
		if msg.Type() == message.Confirmable && !s.freed {
			s.sendEmpty(message.Acknowledgement, mid)
		}
		s.complete(ex, nil)
		return
	}

	result := ResponseOK
	if c.onResponse != nil {
		result = c.onResponse(s, ex.sent, msg, mid)
	}
	if msg.Type() == message.Confirmable && !s.freed {
		typ := message.Acknowledgement
		if result == ResponseFail {
			typ = message.Reset
		}
		s.sendEmpty(typ, mid)
	}
	s.complete(ex, nil)
}

func (c *Context) handleRequest(s *Session, req *pool.Message) {
	mid := req.MessageID()
	con := req.Type() == message.Confirmable
	if con {
		if cached, ok := s.responses[mid]; ok {
			s.transmit(cached.data, message.Acknowledgement)
			return
		}
	}

	resp := pool.NewMessage(c.runCtx)
	resp.SetToken(req.Token())
	resp.SetCode(codes.Content)

	path, err := req.Path()
	if err != nil || path == "" {
		path = "/"
	}
	switch r := c.ResourceByPath(path); {
	case r == nil:
		resp.SetCode(codes.NotFound)
	case r.handlers[req.Code()] == nil:
		resp.SetCode(codes.MethodNotAllowed)
	default:
		r.handlers[req.Code()](r, s, req, resp)
		if c.blockMode&BlockUseLibrary != 0 {
			c.serveBlock(req, resp)
		}
	}
	c.metrics.Request(req.Code().String(), resp.Code().String())
	if s.freed {
		return
	}

	if con {
		resp.SetType(message.Acknowledgement)
		resp.SetMessageID(mid)
	} else {
		resp.SetType(message.NonConfirmable)
		resp.SetMessageID(s.newMessageID())
	}
	data, err := encode(resp)
	if err != nil {
		c.logger.Warn("failed to encode response",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	if con {
		s.responses[mid] = cachedResponse{data: data, at: time.Now()}
	}
	s.transmit(data, resp.Type())
}
