// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine is a callback-driven CoAP engine with manual object
// lifecycle.
//
// Contexts, endpoints, sessions and resources are created and freed
// explicitly. Client sessions are reference counted and the engine itself
// holds a reference for every confirmable exchange in flight. Every object
// carries an opaque user-data slot that the engine hands back to a release
// hook when it frees the object on its own.
//
// Sockets are read by pump goroutines that post events to the context. All
// callbacks, including DTLS PSK lookups raised by pion/dtls handshakes, run
// on the goroutine calling IOProcess.
package engine
