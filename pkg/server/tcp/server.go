// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/HeilAsuka/Sigil/pkg/endpoint"
	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/handler"
	"github.com/HeilAsuka/Sigil/pkg/ratelimit"
	"github.com/HeilAsuka/Sigil/pkg/recovery"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultShutdownTimeout is the default time active sessions get to drain.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultDialTimeout bounds the outbound connect of a session.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the keep-alive period of outbound connections.
	DefaultKeepAlive = 30 * time.Second

	protocol = "tcp"
)

// Config holds the TCP relay configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the remote address to forward to (host:port)
	TargetAddress string

	// Listen and Remote are the resolved forms of Address and TargetAddress.
	// When set they are used as is; otherwise the strings are resolved once
	// when Listen starts.
	Listen endpoint.Endpoint
	Remote endpoint.Endpoint

	// DialTimeout bounds the outbound connect. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// TCPKeepAlive is the keep-alive period for outbound connections.
	// Negative disables keep-alives. Defaults to DefaultKeepAlive.
	TCPKeepAlive time.Duration

	// MaxConnections bounds the number of concurrent sessions. When the bound is
	// reached the accept loop waits for a session to finish.
	// If 0, no limit is enforced.
	MaxConnections int

	// RateLimiter, if set, limits how often one client host may open a session.
	// Connections over the limit are closed without dialing the target.
	RateLimiter *ratelimit.Limiter

	// ShutdownTimeout is the maximum time to wait for active sessions to drain
	// during graceful shutdown. After this timeout, remaining sessions are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for relay events
	Logger *slog.Logger
}

// Server is a TCP relay: it accepts client connections and pairs each one with
// an outbound connection to the target.
type Server struct {
	config  Config
	handler handler.Handler
	connSem *semaphore.Weighted
	wg      sync.WaitGroup

	// remote is resolved once per Listen and dialed by every session.
	remote endpoint.Endpoint

	mu        sync.Mutex
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new TCP relay with the given configuration and event handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = DefaultKeepAlive
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	s := &Server{
		config:  cfg,
		handler: h,
		ready:   make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.connSem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}

	return s
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address, or nil before Ready is closed.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen binds the listen address and relays connections until the context is
// cancelled. A bind failure is returned immediately and wraps errors.ErrBind.
// On cancellation it stops accepting, drains active sessions and returns nil, or
// errors.ErrShutdownTimeout if sessions had to be closed forcefully.
func (s *Server) Listen(ctx context.Context) error {
	local, err := endpoint.Ensure(endpoint.TCP, s.config.Listen, s.config.Address)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrBind, err)
	}
	remote, err := endpoint.Ensure(endpoint.TCP, s.config.Remote, s.config.TargetAddress)
	if err != nil {
		return fmt.Errorf("%w: target: %w", errors.ErrBind, err)
	}
	s.remote = remote

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, local.Network(), local.String())
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", errors.ErrBind, s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.config.Logger.Info("TCP relay started",
		slog.String("address", listener.Addr().String()),
		slog.String("target", s.remote.Address()),
		slog.Int("max_connections", s.config.MaxConnections))

	// Sessions run on their own context so that shutdown can let them drain
	// before forcing them closed.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, connCtx, listener)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing TCP listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all TCP sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return errors.ErrShutdownTimeout
	}
}

// acceptLoop accepts clients until the listener is closed. Accept errors are
// reported and retried with exponential backoff.
func (s *Server) acceptLoop(ctx, connCtx context.Context, listener net.Listener) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.Reset()

	for {
		if s.connSem != nil {
			if err := s.connSem.Acquire(ctx, 1); err != nil {
				return
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			delay := bo.NextBackOff()
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			s.handler.OnError(ctx, nil, errors.New("accept", protocol, "", "", err))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			defer recovery.RecoverWithLog(s.config.Logger, "tcp-session")

			if err := s.handleConn(connCtx, conn); err != nil {
				s.config.Logger.Debug("session ended with error",
					slog.String("client", conn.RemoteAddr().String()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

func (s *Server) release() {
	if s.connSem != nil {
		s.connSem.Release(1)
	}
}

// handleConn services a single client connection by:
// 1. Dialing the target
// 2. Relaying both directions until both have finished
// 3. Closing both connections, on every exit path
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		ClientAddr: inbound.RemoteAddr().String(),
		TargetAddr: s.remote.Address(),
		Protocol:   protocol,
		StartedAt:  time.Now(),
	}

	if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(hctx.ClientAddr) {
		err := errors.New("admit", protocol, hctx.SessionID, hctx.ClientAddr, errors.ErrRateLimited)
		s.config.Logger.Warn("client rate limited",
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.ClientAddr))
		s.handler.OnError(ctx, hctx, err)
		return err
	}

	dialer := net.Dialer{
		Timeout:   s.config.DialTimeout,
		KeepAlive: s.config.TCPKeepAlive,
	}
	outbound, err := dialer.DialContext(ctx, s.remote.Network(), s.remote.String())
	if err != nil {
		err = errors.New("dial", protocol, hctx.SessionID, hctx.ClientAddr,
			fmt.Errorf("%w: %s: %w", errors.ErrDial, s.remote, err))
		s.config.Logger.Warn("failed to dial target",
			slog.String("session", hctx.SessionID),
			slog.String("client", hctx.ClientAddr),
			slog.String("target", s.remote.Address()),
			slog.String("error", err.Error()))
		s.handler.OnError(ctx, hctx, err)
		return err
	}
	defer outbound.Close()

	// Forced shutdown closes both sockets, which unblocks both copies.
	stop := context.AfterFunc(ctx, func() {
		inbound.Close()
		outbound.Close()
	})
	defer stop()

	s.config.Logger.Debug("session established",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.ClientAddr),
		slog.String("target", s.remote.Address()))

	if err := s.handler.OnSessionOpen(ctx, hctx); err != nil {
		s.config.Logger.Error("session open handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	stats, streamErr := relay(inbound, outbound)
	stats.Duration = time.Since(hctx.StartedAt)

	inbound.Close()
	outbound.Close()

	if streamErr != nil {
		if errors.IsConnReset(streamErr) {
			s.config.Logger.Debug("session reset by peer",
				slog.String("session", hctx.SessionID),
				slog.String("error", streamErr.Error()))
		} else {
			s.config.Logger.Warn("session copy failed",
				slog.String("session", hctx.SessionID),
				slog.String("error", streamErr.Error()))
		}
		streamErr = errors.New("copy", protocol, hctx.SessionID, hctx.ClientAddr, streamErr)
		s.handler.OnError(ctx, hctx, streamErr)
	}

	if err := s.handler.OnSessionClose(context.Background(), hctx, stats); err != nil {
		s.config.Logger.Error("session close handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("session closed",
		slog.String("session", hctx.SessionID),
		slog.Int64("upstream_bytes", stats.Upstream),
		slog.Int64("downstream_bytes", stats.Downstream),
		slog.Duration("duration", stats.Duration))

	return streamErr
}
