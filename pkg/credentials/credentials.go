// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package credentials provides PSK material and the providers a CoAP
// context consults during DTLS handshakes.
package credentials

import (
	"bytes"
	"sync"
)

// PSK is a pre-shared key credential.
type PSK struct {
	Identity []byte
	Key      []byte
	Hint     []byte
}

// Clone returns a deep copy of p.
func (p *PSK) Clone() *PSK {
	if p == nil {
		return nil
	}
	return &PSK{
		Identity: bytes.Clone(p.Identity),
		Key:      bytes.Clone(p.Key),
		Hint:     bytes.Clone(p.Hint),
	}
}

// ClientProvider supplies client credentials.
type ClientProvider interface {
	// ProvideInfoForHint returns the identity and key to use for a server
	// hint. A nil hint asks for the default credentials. Returning nil
	// aborts the handshake.
	ProvideInfoForHint(hint []byte) *PSK
}

// ServerProvider supplies server credentials.
type ServerProvider interface {
	// ProvideHintForSNI returns the hint and default key for a server name.
	// An empty name asks for the defaults.
	ProvideHintForSNI(sni string) *PSK

	// ProvideKeyForIdentity returns the key of a client identity, or nil to
	// reject the client.
	ProvideKeyForIdentity(identity []byte) []byte
}

// ClientFunc adapts a function to ClientProvider.
type ClientFunc func(hint []byte) *PSK

func (f ClientFunc) ProvideInfoForHint(hint []byte) *PSK {
	return f(hint)
}

// Static is a ClientProvider with fixed credentials and optional per-hint
// overrides.
type Static struct {
	Default PSK
	Hints   map[string]PSK
}

var _ ClientProvider = (*Static)(nil)

// NewStatic returns a provider answering every hint with identity and key.
func NewStatic(identity, key []byte) *Static {
	return &Static{Default: PSK{Identity: identity, Key: key}}
}

func (s *Static) ProvideInfoForHint(hint []byte) *PSK {
	if hint != nil {
		if p, ok := s.Hints[string(hint)]; ok {
			return p.Clone()
		}
	}
	return s.Default.Clone()
}

// Table is a ServerProvider backed by an identity to key map. It is safe
// for concurrent use, so keys can be rotated while a context runs.
type Table struct {
	mu   sync.RWMutex
	hint []byte
	keys map[string][]byte
}

var _ ServerProvider = (*Table)(nil)

// NewTable creates an empty table announcing hint.
func NewTable(hint []byte) *Table {
	return &Table{
		hint: bytes.Clone(hint),
		keys: make(map[string][]byte),
	}
}

// Add sets the key of identity.
func (t *Table) Add(identity, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[string(identity)] = bytes.Clone(key)
}

// Remove deletes identity.
func (t *Table) Remove(identity []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, string(identity))
}

// Len returns the number of identities.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

func (t *Table) ProvideHintForSNI(string) *PSK {
	return &PSK{Hint: bytes.Clone(t.hint)}
}

func (t *Table) ProvideKeyForIdentity(identity []byte) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.keys[string(identity)]
	if !ok {
		return nil
	}
	return bytes.Clone(key)
}
