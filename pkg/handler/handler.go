// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Direction indicates the direction of traffic flow.
type Direction int

const (
	// Upstream represents traffic flowing from client to remote.
	Upstream Direction = iota

	// Downstream represents traffic flowing from remote to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Context contains session metadata.
// It is passed to Handler methods so events can be correlated.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// ClientAddr is the client's network address
	ClientAddr string

	// TargetAddr is the remote address traffic is forwarded to
	TargetAddr string

	// Protocol indicates the transport being relayed (tcp, udp)
	Protocol string

	// StartedAt is when the session was created
	StartedAt time.Time
}

// Stats holds per-direction byte counters of a finished session.
type Stats struct {
	// Upstream is the number of bytes copied client → remote
	Upstream int64

	// Downstream is the number of bytes copied remote → client
	Downstream int64

	// Duration is the session lifetime
	Duration time.Duration
}

// Handler receives relay events.
//
// Implementations must be safe for concurrent use: the TCP relay calls them from one
// goroutine per session.
type Handler interface {
	// OnSessionOpen is called once a session is established.
	OnSessionOpen(ctx context.Context, hctx *Context) error

	// OnSessionClose is called after both directions of a session have finished
	// and its sockets are closed.
	OnSessionClose(ctx context.Context, hctx *Context, stats Stats) error

	// OnDatagram is called for every UDP datagram forwarded in either direction.
	OnDatagram(ctx context.Context, hctx *Context, dir Direction, size int) error

	// OnError reports a recoverable failure. hctx may describe a session that
	// never opened (e.g. a failed dial) or be nil for listener-level failures.
	OnError(ctx context.Context, hctx *Context, err error)
}

// NoopHandler is a Handler implementation that ignores all events.
// Useful for testing or when no reporting is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnSessionOpen(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnSessionClose(ctx context.Context, hctx *Context, stats Stats) error {
	return nil
}

func (h *NoopHandler) OnDatagram(ctx context.Context, hctx *Context, dir Direction, size int) error {
	return nil
}

func (h *NoopHandler) OnError(ctx context.Context, hctx *Context, err error) {}
