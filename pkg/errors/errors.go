// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for sigil.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Common error types
var (
	// ErrInvalidAddress indicates a malformed or unresolvable host:port.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrBind indicates the listening socket could not be created.
	ErrBind = errors.New("bind failed")

	// ErrDial indicates the outbound connection to the remote failed.
	ErrDial = errors.New("dial failed")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrSessionLimit indicates a new UDP session was rejected because the table is full.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrRateLimited indicates a client exceeded its new-session rate.
	ErrRateLimited = errors.New("client rate limited")

	// ErrNoRelays indicates neither TCP nor UDP forwarding was configured.
	ErrNoRelays = errors.New("no relays configured")

	// ErrWouldBlock signals that a non-blocking receive found nothing pending.
	ErrWouldBlock = errors.New("operation would block")
)

// RelayError wraps an error with the session it happened in.
type RelayError struct {
	Op         string // Operation that failed (accept, admit, dial, copy, send, recv)
	Transport  string // tcp or udp
	SessionID  string // Session identifier, empty outside a session
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Transport, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError. It returns nil when err is nil.
func New(op, transport, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
		Transport:  transport,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors, or nil if all are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsExpected reports whether err is a normal control signal rather than a failure:
// end of stream, a connection closed locally, or a receive that would block.
func IsExpected(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrWouldBlock)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsConnReset reports whether the peer aborted the connection.
func IsConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
