// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP forwarding relay of sigil.
//
// # Overview
//
// The relay accepts client connections on a listen address and pairs each one
// with a fresh outbound connection to a fixed target. Bytes are passed through
// unmodified in both directions.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │  Relay  │ ←─TCP─→ │ Remote  │
//	└─────────┘         └─────────┘         └─────────┘
//	                         ↓
//	                    ┌─────────┐
//	                    │ Handler │
//	                    └─────────┘
//
// # Connection Flow
//
//  1. Client connects to the relay
//  2. Relay accepts and hands the connection to a new goroutine
//  3. Session goroutine dials the target (no retry on failure)
//  4. Session goroutine spawns two copies:
//     - Upstream: Client → Remote
//     - Downstream: Remote → Client
//  5. Each copy half-closes its destination when its source reaches EOF
//  6. Session ends once both copies have returned
//  7. Both connections closed, handler.OnSessionClose called
//
// # Half-Close
//
// A copy that reaches end of stream shuts down only the write side of its
// destination. The opposite direction keeps draining, so a reply produced after
// the client stopped sending is still delivered:
//
//	client: write "req", CloseWrite
//	relay:  upstream EOF → remote.CloseWrite
//	remote: reads "req" + EOF, writes "resp", closes
//	relay:  downstream copies "resp", EOF → client.CloseWrite
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. Relay stops accepting new connections
//  2. Relay waits for existing sessions (with timeout)
//  3. After ShutdownTimeout, forcefully closes remaining sessions
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Configuration
//
//   - Address: Listen address (e.g., ":9000")
//   - TargetAddress: Remote address (e.g., "10.0.1.100:5900")
//   - Listen, Remote: Pre-resolved endpoints; when unset the addresses above are
//     resolved once as Listen starts, never per session
//   - DialTimeout: Outbound connect timeout (default: 10s)
//   - MaxConnections: Concurrent session bound, 0 for unbounded
//   - ShutdownTimeout: Max wait time for graceful shutdown (default: 30s)
//   - Logger: Structured logger
//
// # Error Handling
//
//   - Bind errors: Returned from Listen, wrapping errors.ErrBind
//   - Accept errors: Logged, retried with exponential backoff
//   - Dial errors: Logged, client connection closed, relay keeps running
//   - Copy errors: Reported once per session, other direction still finishes;
//     a reset by the peer is logged at debug level, other failures at warn
//   - Panics in a session: Recovered and logged
//
// # Example
//
//	server := tcp.New(tcp.Config{
//		Address:       "127.0.0.1:9000",
//		TargetAddress: "127.0.0.1:9001",
//	}, &handler.NoopHandler{})
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
