// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"log/slog"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

// BlockSZX is the largest block the engine serves or asks for.
const BlockSZX = blockwise.SZX1024

// serveBlock cuts the representation in resp down to the Block2 slice req
// asks for. Representations that fit one block and were not asked for in
// blocks are left alone.
func (c *Context) serveBlock(req, resp *pool.Message) {
	szx, num := BlockSZX, int64(0)
	val, err := req.GetOptionUint32(message.Block2)
	asked := err == nil
	if asked {
		rszx, rnum, _, err := blockwise.DecodeBlockOption(val)
		if err != nil {
			resp.SetCode(codes.BadOption)
			resp.SetBody(bytes.NewReader(nil))
			return
		}
		if rszx < szx {
			szx, num = rszx, rnum
		} else {
			num = rnum * rszx.Size() / szx.Size()
		}
	}

	body, err := Payload(resp)
	if err != nil || body == nil {
		return
	}
	size := szx.Size()
	if !asked && int64(len(body)) <= size {
		return
	}
	start := num * size
	if start >= int64(len(body)) && start > 0 {
		resp.SetCode(codes.BadOption)
		resp.SetBody(bytes.NewReader(nil))
		return
	}
	end := min(start+size, int64(len(body)))
	opt, err := blockwise.EncodeBlockOption(szx, num, end < int64(len(body)))
	if err != nil {
		c.logger.Warn("failed to encode block option", slog.String("error", err.Error()))
		return
	}
	resp.SetOptionUint32(message.Block2, opt)
	resp.SetOptionUint32(message.Size2, uint32(len(body)))
	resp.SetBody(bytes.NewReader(body[start:end]))
}

// nextBlock collects one Block2 response of ex and requests the following
// block. It reports whether the transfer continues, in which case msg must
// not reach the response handler as the final answer.
func (c *Context) nextBlock(s *Session, ex *exchange, msg *pool.Message) bool {
	val, err := msg.GetOptionUint32(message.Block2)
	if err != nil {
		return false
	}
	szx, num, more, err := blockwise.DecodeBlockOption(val)
	if err != nil {
		return false
	}
	chunk, err := Payload(msg)
	if err != nil {
		return false
	}
	if num*szx.Size() != int64(len(ex.body)) {
		c.logger.Debug("dropping out of order block",
			slog.String("peer", s.peer.String()),
			slog.Int64("block", num))
		return false
	}
	body := append(ex.body, chunk...)
	single := c.blockMode&BlockSingleBody != 0
	if !more {
		if single {
			msg.SetBody(bytes.NewReader(body))
		}
		return false
	}
	if !single && c.onResponse != nil {
		c.onResponse(s, ex.sent, msg, msg.MessageID())
	}

	opt, err := blockwise.EncodeBlockOption(szx, num+1, false)
	if err != nil {
		return false
	}
	next := pool.NewMessage(c.runCtx)
	next.ResetOptionsTo(ex.sent.Options())
	next.SetOptionUint32(message.Block2, opt)
	next.SetCode(ex.sent.Code())
	next.SetToken(ex.sent.Token())
	next.SetType(ex.sent.Type())
	mid, err := s.Send(next)
	if err != nil {
		c.logger.Warn("failed to request next block",
			slog.String("peer", s.peer.String()),
			slog.Int64("block", num+1),
			slog.String("error", err.Error()))
		return false
	}
	if nx, ok := s.exchanges[mid]; ok {
		nx.sent = ex.sent
		nx.body = body
	}
	return true
}
