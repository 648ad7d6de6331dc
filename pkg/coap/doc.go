// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap manages the lifetime of CoAP contexts, endpoints, sessions
// and resources over the callback-driven engine in pkg/engine.
//
// A Context owns everything created through it. Host values are attached to
// engine objects with AppDataRef so that engine callbacks can find their
// owning Session or Resource again, and Close tears everything down in an
// order that never leaves the engine holding a dangling handle.
//
// A Context is not safe for concurrent use. Drive it from one goroutine with
// ProcessIO; only Stats and HealthCheck may be called from elsewhere.
package coap
