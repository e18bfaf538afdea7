// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the event interface the relays report through.
//
// # Overview
//
// The TCP and UDP relays write operational logs through their slog.Logger, but
// they do not count or export session events. Every session lifecycle event,
// forwarded datagram and recoverable failure is passed to a Handler injected at
// construction time, and applications decide what to do with it.
//
// # Data Flow
//
//	Client → Relay → Remote
//	           ↓
//	        Handler (OnSessionOpen, OnDatagram, OnError, OnSessionClose)
//
// # Handler Methods
//
//   - OnSessionOpen: a TCP client was paired with a remote connection, or a UDP
//     client sent its first datagram in session-table mode
//   - OnSessionClose: both directions finished and both sockets are closed
//   - OnDatagram: one UDP datagram was forwarded in the given direction
//   - OnError: a per-session or per-datagram failure that the relay recovered from
//
// Errors returned from On* methods are logged by the relay and otherwise ignored.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection/session
//   - ClientAddr: Client's network address
//   - TargetAddr: Remote address traffic is forwarded to
//   - Protocol: tcp or udp
//   - StartedAt: when the session was created
//
// # Example
//
//	type auditHandler struct {
//		handler.NoopHandler
//		log *slog.Logger
//	}
//
//	func (h *auditHandler) OnSessionClose(ctx context.Context, hctx *handler.Context, stats handler.Stats) error {
//		h.log.Info("session closed", slog.String("session", hctx.SessionID), slog.Int64("up", stats.Upstream))
//		return nil
//	}
package handler
