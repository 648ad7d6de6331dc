// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"testing"
)

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("Expected %s to panic", name)
		}
	}()
	fn()
}

func TestAppDataRef_RawRoundTrip(t *testing.T) {
	before := handles.len()

	r := NewAppDataRef("payload")
	h := r.Clone().IntoRaw()
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}
	if r.Count() != 2 {
		t.Errorf("Expected count 2, got %d", r.Count())
	}
	if handles.len() != before+1 {
		t.Errorf("Expected one registered handle, got %d", handles.len()-before)
	}

	borrowed := BorrowRaw[string](h)
	if borrowed.Count() != 3 {
		t.Errorf("Expected count 3 while borrowed, got %d", borrowed.Count())
	}
	borrowed.Release()

	back := AppDataRefFromRaw[string](h)
	if back.Count() != 2 {
		t.Errorf("Expected round trip to keep count 2, got %d", back.Count())
	}
	if !back.Same(r) {
		t.Error("Expected round trip to yield the same value")
	}
	if back.Get() != "payload" {
		t.Errorf("Expected payload, got %q", back.Get())
	}
	if handles.len() != before {
		t.Errorf("Expected handle to be taken out of the registry, got %d extra", handles.len()-before)
	}

	back.Release()
	if r.Count() != 1 {
		t.Errorf("Expected count 1, got %d", r.Count())
	}
	mustPanic(t, "Get after Release", func() { back.Get() })
	mustPanic(t, "unknown handle", func() { AppDataRefFromRaw[string](h) })
}

func TestAppDataRef_WrongType(t *testing.T) {
	h := NewAppDataRef(42).IntoRaw()
	mustPanic(t, "BorrowRaw with wrong type", func() { BorrowRaw[string](h) })
	AppDataRefFromRaw[int](h).Release()
}

func TestAppDataRef_Borrows(t *testing.T) {
	r := NewAppDataRef([]int{1})

	v, done := r.Borrow()
	if len(v) != 1 {
		t.Errorf("Expected one element, got %d", len(v))
	}
	_, done2 := r.Borrow()
	mustPanic(t, "BorrowMut while borrowed", func() { r.BorrowMut() })
	done()
	done2()

	p, doneMut := r.BorrowMut()
	*p = append(*p, 2)
	mustPanic(t, "Borrow while mutably borrowed", func() { r.Borrow() })
	mustPanic(t, "second BorrowMut", func() { r.BorrowMut() })
	doneMut()

	v, done = r.Borrow()
	if len(v) != 2 {
		t.Errorf("Expected mutation to stick, got %v", v)
	}
	done()
}

func TestAppDataRef_TryUnwrap(t *testing.T) {
	r := NewAppDataRef("last")
	c := r.Clone()

	if _, ok := r.TryUnwrap(); ok {
		t.Error("Expected TryUnwrap to fail with two holders")
	}
	if r.Count() != 2 {
		t.Errorf("Expected failed TryUnwrap to leave count 2, got %d", r.Count())
	}

	c.Release()
	v, ok := r.TryUnwrap()
	if !ok || v != "last" {
		t.Errorf("Expected last holder to unwrap, got %q %v", v, ok)
	}
}
