// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"math"
	"time"

	"github.com/absmach/mcoap/pkg/engine"
)

// WaitIndefinitely makes ProcessIO block until there is work to do.
const WaitIndefinitely time.Duration = -1

// Transport selects the protocol of an endpoint or session.
type Transport int

const (
	UDP Transport = iota
	DTLS
	TCP
	TLS
)

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case DTLS:
		return "dtls"
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Implemented reports whether endpoints and sessions of t can be created.
func (t Transport) Implemented() bool {
	return t == UDP || t == DTLS
}

func (t Transport) proto() engine.Proto {
	switch t {
	case DTLS:
		return engine.ProtoDTLS
	case TCP:
		return engine.ProtoTCP
	case TLS:
		return engine.ProtoTLS
	default:
		return engine.ProtoUDP
	}
}

// Role tells client sessions from sessions accepted by an endpoint.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ioTimeout converts a host timeout to the engine's millisecond form.
// Negative durations wait indefinitely. Anything else is rounded up to whole
// milliseconds and never becomes zero, because zero means "wait forever" to
// the engine.
func ioTimeout(d time.Duration) uint32 {
	if d < 0 {
		return engine.IOWait
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	switch {
	case ms < 1:
		return 1
	case ms > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(ms)
	}
}
