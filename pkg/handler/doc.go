// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hook interface that links a CoAP context to
// business logic.
//
// # Data Flow
//
//	Peer → DTLS handshake → AuthConnect (identity) → OnConnect
//	Peer → request → AuthRequest → resource handler → OnRequest → OnResponse
//	Session idle or closed → OnDisconnect
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - Identity: PSK identity of a DTLS peer
//   - RemoteAddr: Peer's network address
//   - Protocol: Transport name (udp, dtls)
//
// # Example
//
//	type MyHandler struct {
//		handler.NoopHandler
//		acl ACL
//	}
//
//	func (h *MyHandler) AuthRequest(ctx context.Context, hctx *handler.Context, method, path string, payload []byte) error {
//		return h.acl.Allow(string(hctx.Identity), method, path)
//	}
package handler
