// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

// AlgAESCCM16_64_128 is the COSE identifier of the default OSCORE AEAD.
const AlgAESCCM16_64_128 = 10

const (
	oscoreKeyLen     = 16
	oscoreNonceLen   = 13
	oscoreMaxIDLen   = oscoreNonceLen - 6
	defaultReplayWin = 32
)

// ErrInvalidOSCORE is returned for unusable OSCORE configurations.
var ErrInvalidOSCORE = errors.New("engine: invalid OSCORE configuration")

// OSCOREConfig is the input to security context derivation (RFC 8613 §3.2).
type OSCOREConfig struct {
	MasterSecret []byte
	MasterSalt   []byte
	SenderID     []byte
	RecipientID  []byte
	IDContext    []byte
	// AEAD is a COSE algorithm identifier. Zero selects AES-CCM-16-64-128.
	AEAD int
	// ReplayWindow is the replay window size. Zero selects 32.
	ReplayWindow int
}

// OSCOREContext is a derived security context.
type OSCOREContext struct {
	SenderID     []byte
	RecipientID  []byte
	IDContext    []byte
	SenderKey    []byte
	RecipientKey []byte
	CommonIV     []byte
	AEAD         int
	ReplayWindow int
}

// DeriveOSCORE validates conf and derives sender key, recipient key and
// common IV with HKDF-SHA256.
func DeriveOSCORE(conf *OSCOREConfig) (*OSCOREContext, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: missing configuration", ErrInvalidOSCORE)
	}
	alg := conf.AEAD
	if alg == 0 {
		alg = AlgAESCCM16_64_128
	}
	switch {
	case alg != AlgAESCCM16_64_128:
		return nil, fmt.Errorf("%w: unsupported AEAD %d", ErrInvalidOSCORE, alg)
	case len(conf.MasterSecret) == 0:
		return nil, fmt.Errorf("%w: empty master secret", ErrInvalidOSCORE)
	case len(conf.SenderID) > oscoreMaxIDLen || len(conf.RecipientID) > oscoreMaxIDLen:
		return nil, fmt.Errorf("%w: sender or recipient ID longer than %d bytes", ErrInvalidOSCORE, oscoreMaxIDLen)
	case bytes.Equal(conf.SenderID, conf.RecipientID):
		return nil, fmt.Errorf("%w: sender and recipient ID are equal", ErrInvalidOSCORE)
	case conf.ReplayWindow < 0:
		return nil, fmt.Errorf("%w: negative replay window", ErrInvalidOSCORE)
	}
	window := conf.ReplayWindow
	if window == 0 {
		window = defaultReplayWin
	}

	oc := &OSCOREContext{
		SenderID:     bytes.Clone(conf.SenderID),
		RecipientID:  bytes.Clone(conf.RecipientID),
		IDContext:    bytes.Clone(conf.IDContext),
		AEAD:         alg,
		ReplayWindow: window,
	}
	var err error
	if oc.SenderKey, err = oscoreDerive(conf, conf.SenderID, alg, "Key", oscoreKeyLen); err != nil {
		return nil, err
	}
	if oc.RecipientKey, err = oscoreDerive(conf, conf.RecipientID, alg, "Key", oscoreKeyLen); err != nil {
		return nil, err
	}
	if oc.CommonIV, err = oscoreDerive(conf, nil, alg, "IV", oscoreNonceLen); err != nil {
		return nil, err
	}
	return oc, nil
}

func oscoreDerive(conf *OSCOREConfig, id []byte, alg int, typ string, length int) ([]byte, error) {
	info, err := oscoreInfo(id, conf.IDContext, alg, typ, length)
	if err != nil {
		return nil, fmt.Errorf("engine: OSCORE info: %w", err)
	}
	out := make([]byte, length)
	r := hkdf.New(sha256.New, conf.MasterSecret, conf.MasterSalt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("engine: OSCORE derivation: %w", err)
	}
	return out, nil
}

// oscoreInfo encodes the CBOR array [id, id_context, alg_aead, type, L].
// An absent ID context is null, an empty ID is the empty byte string.
func oscoreInfo(id, idContext []byte, alg int, typ string, length int) ([]byte, error) {
	if id == nil {
		id = []byte{}
	}
	var idCtx any
	if idContext != nil {
		idCtx = idContext
	}
	return cbor.Marshal([]any{id, idCtx, alg, typ, length})
}
