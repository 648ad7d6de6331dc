// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
)

// ErrRateLimitExceeded rejects requests over their budget.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimited authorizes requests against a global bucket and a bucket per
// client. Clients are keyed by PSK identity when they have one and by remote
// address otherwise. Either limiter may be nil.
func RateLimited(next Handler, perClient *ratelimit.Limiter, global *ratelimit.TokenBucket, m *metrics.Metrics, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &rateLimited{
		Handler:   next,
		perClient: perClient,
		global:    global,
		metrics:   m,
		logger:    logger,
	}
}

type rateLimited struct {
	Handler
	perClient *ratelimit.Limiter
	global    *ratelimit.TokenBucket
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func (h *rateLimited) AuthRequest(ctx context.Context, hctx *Context, method, path string, payload []byte) error {
	if h.global != nil && !h.global.Allow() {
		h.metrics.RateLimited()
		h.logger.Warn("global rate limit exceeded",
			slog.String("remote", hctx.RemoteAddr),
			slog.String("path", path))
		return ErrRateLimitExceeded
	}

	client := hctx.RemoteAddr
	if len(hctx.Identity) > 0 {
		client = string(hctx.Identity)
	}
	if h.perClient != nil && !h.perClient.Allow(client) {
		h.metrics.RateLimited()
		h.logger.Warn("client rate limit exceeded",
			slog.String("client", client),
			slog.String("protocol", hctx.Protocol))
		return ErrRateLimitExceeded
	}

	return h.Handler.AuthRequest(ctx, hctx, method, path, payload)
}

func (h *rateLimited) OnDisconnect(ctx context.Context, hctx *Context) error {
	if h.perClient != nil {
		h.perClient.Remove(hctx.RemoteAddr)
		h.perClient.Sweep()
	}
	return h.Handler.OnDisconnect(ctx, hctx)
}
