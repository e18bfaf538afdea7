// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package udp

import (
	"net"
	"time"

	"github.com/HeilAsuka/Sigil/pkg/errors"
)

// pollInterval is the shortest wait that still lets the runtime attempt a read.
const pollInterval = time.Millisecond

// recvNonBlocking reads one pending datagram from conn, waiting at most
// pollInterval. It returns errors.ErrWouldBlock when nothing is queued.
func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return 0, err
	}
	defer conn.SetReadDeadline(time.Time{})

	n, err := conn.Read(buf)
	if err != nil && errors.IsTimeout(err) {
		return 0, errors.ErrWouldBlock
	}
	return n, err
}
