// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// MethodHandler serves one request method of a resource. resp starts out as
// a 2.05 Content response carrying the request token.
type MethodHandler[D any] func(r *Resource[D], s *Session, req, resp *pool.Message)

// Resource is a server resource carrying user data of type D.
type Resource[D any] struct {
	path     string
	data     D
	handlers map[codes.Code]MethodHandler[D]
	raw      *engine.Resource
}

// UntypedResource is a Resource whose data type has been erased. Use
// AsResource to get the typed resource back.
type UntypedResource interface {
	URIPath() string

	serve(s *Session, req, resp *pool.Message) bool
	attach() *engine.Resource
}

var _ UntypedResource = (*Resource[struct{}])(nil)

// NewResource creates a resource for path.
func NewResource[D any](path string, data D) *Resource[D] {
	return &Resource[D]{
		path:     engine.NormalizePath(path),
		data:     data,
		handlers: make(map[codes.Code]MethodHandler[D]),
	}
}

// AsResource recovers the typed resource behind r.
func AsResource[D any](r UntypedResource) (*Resource[D], bool) {
	res, ok := r.(*Resource[D])
	return res, ok
}

// URIPath returns the normalized resource path.
func (r *Resource[D]) URIPath() string {
	return r.path
}

// Data returns the user data.
func (r *Resource[D]) Data() D {
	return r.data
}

// SetMethodHandler serves code with h. A nil h removes the method, which is
// then answered with 4.05. Handlers may be set before or after the resource
// is added to a context.
func (r *Resource[D]) SetMethodHandler(code codes.Code, h MethodHandler[D]) {
	if h == nil {
		delete(r.handlers, code)
		if r.raw != nil {
			r.raw.RegisterHandler(code, nil)
		}
		return
	}
	r.handlers[code] = h
	if r.raw != nil {
		r.raw.RegisterHandler(code, dispatchRequest)
	}
}

// Added reports whether the resource has been added to a context.
func (r *Resource[D]) Added() bool {
	return r.raw != nil
}

func (r *Resource[D]) serve(s *Session, req, resp *pool.Message) bool {
	h, ok := r.handlers[req.Code()]
	if !ok {
		return false
	}
	h(r, s, req, resp)
	return true
}

func (r *Resource[D]) attach() *engine.Resource {
	if r.raw != nil {
		panic("coap: resource " + r.path + " added twice")
	}
	r.raw = engine.NewResource(r.path)
	for code := range r.handlers {
		r.raw.RegisterHandler(code, dispatchRequest)
	}
	return r.raw
}
