// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"io"
	"net"

	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/handler"
)

// closeWriter is implemented by connections that support half-close
// (*net.TCPConn, *net.UnixConn, *tls.Conn).
type closeWriter interface {
	CloseWrite() error
}

type copyResult struct {
	dir handler.Direction
	n   int64
	err error
}

// relay copies client → remote and remote → client concurrently and returns once
// both directions have finished. Each direction half-closes its destination when
// its source is exhausted, so a response still in flight after the client stops
// sending is delivered in full. The first non-EOF error is returned.
func relay(client, remote net.Conn) (handler.Stats, error) {
	results := make(chan copyResult, 2)

	go func() {
		n, err := pipe(remote, client)
		results <- copyResult{dir: handler.Upstream, n: n, err: err}
	}()
	go func() {
		n, err := pipe(client, remote)
		results <- copyResult{dir: handler.Downstream, n: n, err: err}
	}()

	var (
		stats    handler.Stats
		firstErr error
	)
	for i := 0; i < 2; i++ {
		r := <-results
		switch r.dir {
		case handler.Upstream:
			stats.Upstream = r.n
		case handler.Downstream:
			stats.Downstream = r.n
		}
		if r.err != nil && !errors.IsExpected(r.err) && firstErr == nil {
			firstErr = r.err
		}
	}

	return stats, firstErr
}

// pipe copies src into dst until src is exhausted or fails, then shuts down the
// write side of dst.
func pipe(dst, src net.Conn) (int64, error) {
	n, err := io.Copy(dst, src)
	closeWrite(dst)
	return n, err
}

// closeWrite half-closes c. Connections without half-close support are closed
// entirely, which also ends the opposite direction.
func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
