// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements a UDP datagram relay between a listen address and a
// fixed remote address.
//
// # Modes
//
// ModeSingle (the default) keeps one outbound socket connected to the remote
// for the lifetime of the relay. Datagrams are handled one at a time:
//
//  1. Receive a datagram from any client on the listen socket
//  2. Drop any replies still queued from earlier iterations
//  3. Send the datagram through the outbound socket
//  4. Check the outbound socket for a reply
//  5. If there is one, send it to the client from step 1
//
// With ReplyTimeout 0 the check in step 4 never blocks: only a reply that is
// already queued is forwarded, and a slower reply is dropped at the next
// iteration. A positive ReplyTimeout waits up to that long instead. Replies are
// always addressed to the sender of the datagram just forwarded, never to an
// earlier client.
//
// ModeSession gives every client address its own outbound socket:
//
//	┌─────────┐         ┌──────────────┐         ┌────────┐
//	│ Client A│ ←─UDP─→ │   Session A  │ ←─UDP─→ │        │
//	└─────────┘         ├──────────────┤         │ Remote │
//	┌─────────┐         │   Session B  │ ←─UDP─→ │        │
//	│ Client B│ ←─UDP─→ └──────────────┘         └────────┘
//	└─────────┘
//
// Replies are read by one goroutine per session and are routed back to that
// session's client only. Sessions idle for longer than SessionTimeout are
// evicted from a TTL cache, which closes their socket and reports
// OnSessionClose. MaxSessions caps the table; datagrams from new clients past
// the cap are dropped with errors.ErrSessionLimit.
//
// # Error Handling
//
//   - Bind failures (listen or outbound socket): returned from Listen, wrapping errors.ErrBind
//   - Send, receive and reply failures: logged, reported via Handler.OnError, loop continues
//   - Listen socket read errors: retried with exponential backoff
//   - Context cancellation: Listen returns nil
//
// # Example
//
//	cfg := udp.Config{
//		Address:       ":5353",
//		TargetAddress: "10.0.0.2:53",
//		ReplyTimeout:  500 * time.Millisecond,
//	}
//
//	server := udp.New(cfg, nil)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
