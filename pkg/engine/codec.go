// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// decode parses one datagram into a CoAP message.
func decode(ctx context.Context, data []byte) (*pool.Message, error) {
	msg := pool.NewMessage(ctx)
	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CoAP message: %w", err)
	}
	return msg, nil
}

// encode serializes msg for datagram transports.
func encode(msg *pool.Message) ([]byte, error) {
	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	return data, nil
}

// emptyMessage builds an empty ACK or RST for mid.
func emptyMessage(ctx context.Context, typ message.Type, mid int32) *pool.Message {
	msg := pool.NewMessage(ctx)
	msg.SetCode(codes.Empty)
	msg.SetType(typ)
	msg.SetMessageID(mid)
	return msg
}

// isRequest reports whether code is a method code (class 0, non-empty).
func isRequest(code codes.Code) bool {
	return code > codes.Empty && code < 32
}

func typeName(t message.Type) string {
	switch t {
	case message.Confirmable:
		return "CON"
	case message.NonConfirmable:
		return "NON"
	case message.Acknowledgement:
		return "ACK"
	case message.Reset:
		return "RST"
	default:
		return "unset"
	}
}

// Payload returns the body of msg, or nil when it has none.
func Payload(msg *pool.Message) ([]byte, error) {
	body := msg.Body()
	if body == nil {
		return nil, nil
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	// Leave the body readable for the next consumer.
	_, err = body.Seek(0, io.SeekStart)
	return data, err
}
