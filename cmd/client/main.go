// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command client issues a single CoAP request over UDP or DTLS-PSK.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/absmach/mcoap/pkg/coap"
	"github.com/absmach/mcoap/pkg/credentials"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	identity   string
	key        string
	payload    string
	timeout    time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "mcoap-cli",
	Short:         "Send one CoAP request and print the response",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func methodCmd(name string, code codes.Code, withPayload bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <path>",
		Short: "Send a " + code.String() + " request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if withPayload {
				body = []byte(payload)
			}
			resp, err := request(code, args[0], body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", resp.code, resp.payload)
			return nil
		},
	}
}

type result struct {
	code    codes.Code
	payload []byte
	err     error
}

func request(code codes.Code, path string, body []byte) (*result, error) {
	peer, err := netip.ParseAddrPort(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	c, err := coap.New(coap.Config{Logger: logger})
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var h *coap.SessionHandle
	if key != "" {
		h, err = c.ConnectDTLS(peer, credentials.NewStatic([]byte(identity), []byte(key)))
	} else {
		h, err = c.ConnectUDP(peer)
	}
	if err != nil {
		return nil, err
	}

	var res *result
	err = h.SetResponseHandler(func(_ *coap.Session, _, resp *pool.Message, err error) {
		if err != nil {
			res = &result{err: err}
			return
		}
		data, err := engine.Payload(resp)
		res = &result{code: resp.Code(), payload: data, err: err}
	})
	if err != nil {
		return nil, err
	}
	if _, err := h.Request(code, path, body); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for res == nil {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, fmt.Errorf("no response from %s within %s", peer, timeout)
		}
		if _, err := c.ProcessIO(left); err != nil {
			return nil, err
		}
	}
	return res, res.err
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:5683", "server address")
	rootCmd.PersistentFlags().StringVarP(&identity, "identity", "i", "", "DTLS PSK identity")
	rootCmd.PersistentFlags().StringVarP(&key, "key", "k", "", "DTLS pre-shared key; enables DTLS")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "time to wait for the response")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol events to stderr")

	post := methodCmd("post", codes.POST, true)
	put := methodCmd("put", codes.PUT, true)
	for _, c := range []*cobra.Command{post, put} {
		c.Flags().StringVarP(&payload, "payload", "p", "", "request payload, - reads stdin")
		c.PreRunE = readStdin
	}
	rootCmd.AddCommand(methodCmd("get", codes.GET, false), post, put, methodCmd("delete", codes.DELETE, false))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func readStdin(cmd *cobra.Command, _ []string) error {
	if payload != "-" {
		return nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	payload = string(data)
	return nil
}
