// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package udp

import (
	"net"

	"github.com/HeilAsuka/Sigil/pkg/errors"
	"golang.org/x/sys/unix"
)

// recvNonBlocking reads one pending datagram from conn without waiting.
// It returns errors.ErrWouldBlock when nothing is queued.
func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		n       int
		recvErr error
	)
	err = raw.Read(func(fd uintptr) bool {
		n, _, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		// Returning true tells the runtime not to park on the poller.
		return true
	})
	if err != nil {
		return 0, err
	}
	if recvErr == unix.EAGAIN || recvErr == unix.EWOULDBLOCK {
		return 0, errors.ErrWouldBlock
	}
	if recvErr != nil {
		return 0, recvErr
	}
	return n, nil
}
