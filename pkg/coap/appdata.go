// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"sync"
)

type cell[T any] struct {
	mu    sync.Mutex
	value T
	refs  int
	// borrows is the number of shared borrows, -1 while mutably borrowed.
	borrows int
}

// AppDataRef is a counted reference to a shared value that can be parked in
// an engine user-data slot as an opaque uintptr and recovered from it inside
// callbacks. Each *AppDataRef is one holder and accounts for one count.
//
// Borrow and BorrowMut check exclusivity at run time and panic on a
// conflicting borrow.
type AppDataRef[T any] struct {
	c *cell[T]
}

// NewAppDataRef wraps v with a count of one.
func NewAppDataRef[T any](v T) *AppDataRef[T] {
	return &AppDataRef[T]{c: &cell[T]{value: v, refs: 1}}
}

func (r *AppDataRef[T]) load() *cell[T] {
	if r == nil || r.c == nil {
		panic("coap: use of released AppDataRef")
	}
	return r.c
}

// Clone returns a new holder of the same value and increments the count.
func (r *AppDataRef[T]) Clone() *AppDataRef[T] {
	c := r.load()
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
	return &AppDataRef[T]{c: c}
}

// Release drops this holder. The holder is unusable afterwards.
func (r *AppDataRef[T]) Release() {
	c := r.load()
	c.mu.Lock()
	c.refs--
	c.mu.Unlock()
	r.c = nil
}

// Count returns the number of live holders.
func (r *AppDataRef[T]) Count() int {
	c := r.load()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Same reports whether r and o refer to the same value.
func (r *AppDataRef[T]) Same(o *AppDataRef[T]) bool {
	return r.load() == o.load()
}

// Get returns the value without borrowing. Intended for pointer types whose
// pointee guards itself.
func (r *AppDataRef[T]) Get() T {
	return r.load().value
}

// Borrow returns the value for shared use. Call the returned function to end
// the borrow.
func (r *AppDataRef[T]) Borrow() (T, func()) {
	c := r.load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.borrows < 0 {
		panic("coap: AppDataRef already mutably borrowed")
	}
	c.borrows++
	return c.value, func() {
		c.mu.Lock()
		c.borrows--
		c.mu.Unlock()
	}
}

// BorrowMut returns a pointer to the value for exclusive use. Call the
// returned function to end the borrow.
func (r *AppDataRef[T]) BorrowMut() (*T, func()) {
	c := r.load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.borrows != 0 {
		panic("coap: AppDataRef already borrowed")
	}
	c.borrows = -1
	return &c.value, func() {
		c.mu.Lock()
		c.borrows = 0
		c.mu.Unlock()
	}
}

// TryUnwrap returns the value if r is the last holder, releasing it. It
// leaves r untouched and reports false otherwise.
func (r *AppDataRef[T]) TryUnwrap() (T, bool) {
	c := r.load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs != 1 || c.borrows != 0 {
		var zero T
		return zero, false
	}
	c.refs = 0
	r.c = nil
	return c.value, true
}

// IntoRaw moves this holder into the handle registry and returns its handle.
// The count is unchanged. r must not be used afterwards.
func (r *AppDataRef[T]) IntoRaw() uintptr {
	held := &AppDataRef[T]{c: r.load()}
	r.c = nil
	return handles.put(held)
}

// AppDataRefFromRaw takes the holder behind raw out of the registry. It is
// the inverse of IntoRaw.
func AppDataRefFromRaw[T any](raw uintptr) *AppDataRef[T] {
	return mustHolder[T](raw, handles.take(raw))
}

// BorrowRaw returns a new holder cloned from the one behind raw, leaving the
// registered holder in place.
func BorrowRaw[T any](raw uintptr) *AppDataRef[T] {
	return mustHolder[T](raw, handles.get(raw)).Clone()
}

func mustHolder[T any](raw uintptr, v any) *AppDataRef[T] {
	r, ok := v.(*AppDataRef[T])
	if !ok {
		panic(fmt.Sprintf("coap: handle %#x does not hold %T", raw, r))
	}
	return r
}

// registry maps opaque handles to holders. Handles are never reused while
// registered and zero is never issued, so a zero slot means "empty".
type registry struct {
	mu   sync.Mutex
	next uintptr
	m    map[uintptr]any
}

var handles = &registry{m: make(map[uintptr]any)}

func (g *registry) put(v any) uintptr {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	for g.next == 0 || g.m[g.next] != nil {
		g.next++
	}
	g.m[g.next] = v
	return g.next
}

func (g *registry) get(h uintptr) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.m[h]
	if !ok {
		panic(fmt.Sprintf("coap: unknown handle %#x", h))
	}
	return v
}

func (g *registry) take(h uintptr) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.m[h]
	if !ok {
		panic(fmt.Sprintf("coap: unknown handle %#x", h))
	}
	delete(g.m, h)
	return v
}

func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
