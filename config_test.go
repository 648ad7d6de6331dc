// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcoap

import (
	"net/netip"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantErr bool
		check   func(t *testing.T, c Config)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, c Config) {
				if c.UDPAddress != ":5683" {
					t.Errorf("Expected :5683, got %s", c.UDPAddress)
				}
				if c.AckTimeout != 2*time.Second || c.MaxRetransmit != 4 {
					t.Errorf("Expected 2s/4 retransmissions, got %v/%d", c.AckTimeout, c.MaxRetransmit)
				}
			},
		},
		{
			name: "overrides",
			vars: map[string]string{
				"MCOAP_UDP_ADDRESS":  "127.0.0.1:6000",
				"MCOAP_DTLS_ADDRESS": ":5684",
				"MCOAP_PSK_FILE":     "psk.yaml",
				"MCOAP_ACK_TIMEOUT":  "500ms",
			},
			check: func(t *testing.T, c Config) {
				if c.UDPAddress != "127.0.0.1:6000" || c.DTLSAddress != ":5684" {
					t.Errorf("Expected overridden addresses, got %s %s", c.UDPAddress, c.DTLSAddress)
				}
				cc := c.Context(nil, nil)
				if cc.AckTimeout != 500*time.Millisecond {
					t.Errorf("Expected 500ms ack timeout, got %v", cc.AckTimeout)
				}
			},
		},
		{
			name:    "dtls without psk file",
			vars:    map[string]string{"MCOAP_DTLS_ADDRESS": ":5684"},
			wantErr: true,
		},
		{
			name:    "bad duration",
			vars:    map[string]string{"MCOAP_ACK_TIMEOUT": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := tt.vars
			if vars == nil {
				vars = map[string]string{}
			}
			c, err := NewConfig(env.Options{Prefix: "MCOAP_", Environment: vars})
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewConfig() error = %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    netip.AddrPort
		wantErr bool
	}{
		{":5683", netip.MustParseAddrPort("0.0.0.0:5683"), false},
		{"127.0.0.1:5684", netip.MustParseAddrPort("127.0.0.1:5684"), false},
		{"[::1]:5683", netip.MustParseAddrPort("[::1]:5683"), false},
		{"localhost:5683", netip.AddrPort{}, true},
		{"", netip.AddrPort{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
