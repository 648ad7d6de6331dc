// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTable is returned for malformed credential files.
var ErrInvalidTable = errors.New("invalid credential table")

// tableFile is the YAML layout of a credential table:
//
//	hint: mcoap
//	clients:
//	  - identity: client1
//	    key: secretkey
//	  - identity: sensor-7
//	    key_hex: 00112233
type tableFile struct {
	Hint    string        `yaml:"hint"`
	Clients []clientEntry `yaml:"clients"`
}

type clientEntry struct {
	Identity string `yaml:"identity"`
	Key      string `yaml:"key"`
	KeyHex   string `yaml:"key_hex"`
}

// LoadTable reads a credential table from a YAML file.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential table: %w", err)
	}
	defer f.Close()
	return ParseTable(f)
}

// ParseTable decodes a YAML credential table.
func ParseTable(r io.Reader) (*Table, error) {
	var file tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}

	t := NewTable([]byte(file.Hint))
	for i, c := range file.Clients {
		if c.Identity == "" {
			return nil, fmt.Errorf("%w: client %d has no identity", ErrInvalidTable, i)
		}
		key := []byte(c.Key)
		switch {
		case c.Key != "" && c.KeyHex != "":
			return nil, fmt.Errorf("%w: client %q sets both key and key_hex", ErrInvalidTable, c.Identity)
		case c.KeyHex != "":
			var err error
			if key, err = hex.DecodeString(c.KeyHex); err != nil {
				return nil, fmt.Errorf("%w: client %q: %v", ErrInvalidTable, c.Identity, err)
			}
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("%w: client %q has no key", ErrInvalidTable, c.Identity)
		}
		if t.ProvideKeyForIdentity([]byte(c.Identity)) != nil {
			return nil, fmt.Errorf("%w: duplicate identity %q", ErrInvalidTable, c.Identity)
		}
		t.Add([]byte(c.Identity), key)
	}
	return t, nil
}
