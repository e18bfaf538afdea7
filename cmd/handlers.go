// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/handler"
	"github.com/HeilAsuka/Sigil/pkg/metrics"
)

var _ handler.Handler = (*InstrumentedHandler)(nil)

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
}

// NewInstrumentedHandler returns h with every event also recorded in m.
func NewInstrumentedHandler(h handler.Handler, m *metrics.Metrics) *InstrumentedHandler {
	if h == nil {
		h = &handler.NoopHandler{}
	}
	return &InstrumentedHandler{handler: h, metrics: m}
}

// OnSessionOpen implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnSessionOpen(ctx context.Context, hctx *handler.Context) error {
	h.metrics.SessionOpened(hctx.Protocol)
	return h.handler.OnSessionOpen(ctx, hctx)
}

// OnSessionClose implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnSessionClose(ctx context.Context, hctx *handler.Context, stats handler.Stats) error {
	h.metrics.SessionClosed(hctx.Protocol, stats.Duration)
	// UDP bytes are counted per datagram.
	if hctx.Protocol != "udp" {
		h.metrics.Bytes(hctx.Protocol, handler.Upstream.String(), stats.Upstream)
		h.metrics.Bytes(hctx.Protocol, handler.Downstream.String(), stats.Downstream)
	}
	return h.handler.OnSessionClose(ctx, hctx, stats)
}

// OnDatagram implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDatagram(ctx context.Context, hctx *handler.Context, dir handler.Direction, size int) error {
	h.metrics.Datagram(dir.String(), size)
	return h.handler.OnDatagram(ctx, hctx, dir, size)
}

// OnError implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnError(ctx context.Context, hctx *handler.Context, err error) {
	transport, op := "unknown", "unknown"
	if hctx != nil && hctx.Protocol != "" {
		transport = hctx.Protocol
	}

	var relayErr *errors.RelayError
	if errors.As(err, &relayErr) {
		transport, op = relayErr.Transport, relayErr.Op
	}

	h.metrics.Error(transport, op)
	if op == "dial" {
		h.metrics.SessionFailed(transport)
	}
	h.handler.OnError(ctx, hctx, err)
}
