// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

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
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = MaxDatagramSize

	// maxLateReplies bounds how many stale replies one iteration discards.
	maxLateReplies = 1024

	protocol = "udp"
)

// Mode selects how datagrams are mapped onto sessions.
type Mode string

const (
	// ModeSingle keeps one outbound socket and reflects replies to the client
	// whose datagram was just forwarded.
	ModeSingle Mode = "single"

	// ModeSession keeps one outbound socket per client address, evicted when idle.
	ModeSession Mode = "session"
)

// ParseMode converts a configuration string into a Mode. Empty means ModeSingle.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSingle:
		return ModeSingle, nil
	case ModeSession:
		return ModeSession, nil
	default:
		return "", fmt.Errorf("unknown UDP mode %q (want %q or %q)", s, ModeSingle, ModeSession)
	}
}

// Config holds the UDP relay configuration.
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

	// Mode selects single-mapping (default) or session-table forwarding.
	Mode Mode

	// ReplyTimeout applies to ModeSingle. If 0, the reply check after each send
	// is non-blocking and only replies already queued are forwarded. If positive,
	// the relay waits up to ReplyTimeout for the reply.
	ReplyTimeout time.Duration

	// SessionTimeout is the idle timeout for ModeSession sessions.
	SessionTimeout time.Duration

	// MaxSessions is the maximum number of concurrent ModeSession sessions.
	// If 0, no limit is enforced.
	MaxSessions int

	// RateLimiter, if set, limits how often one client host may open a
	// ModeSession session. Datagrams that would open a session over the limit
	// are dropped.
	RateLimiter *ratelimit.Limiter

	// ShutdownTimeout is the maximum time to wait for session readers to stop
	// during shutdown.
	ShutdownTimeout time.Duration

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for relay events
	Logger *slog.Logger
}

// Server is a UDP relay between a listen socket and a fixed remote.
type Server struct {
	config  Config
	handler handler.Handler

	// afterSend runs between forwarding a datagram and checking for its reply.
	afterSend func()

	mu        sync.Mutex
	addr      net.Addr
	sessions  *SessionManager
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new UDP relay with the given configuration and event handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:  cfg,
		handler: h,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listen socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address, or nil before Ready is closed.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Sessions returns the session table while a ModeSession relay is running.
func (s *Server) Sessions() *SessionManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Listen binds the listen socket and relays datagrams until the context is
// cancelled. Failure to bind, or to create the outbound socket, is returned and
// wraps errors.ErrBind. Per-datagram failures are reported and never stop the loop.
func (s *Server) Listen(ctx context.Context) error {
	local, err := endpoint.Ensure(endpoint.UDP, s.config.Listen, s.config.Address)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrBind, err)
	}
	remote, err := endpoint.Ensure(endpoint.UDP, s.config.Remote, s.config.TargetAddress)
	if err != nil {
		return fmt.Errorf("%w: target: %w", errors.ErrBind, err)
	}
	target := remote.Addr().(*net.UDPAddr)

	conn, err := net.ListenUDP(local.Network(), local.Addr().(*net.UDPAddr))
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", errors.ErrBind, local.Address(), err)
	}
	defer conn.Close()

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	// Closing the listen socket is what unblocks the read loop on shutdown.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	switch s.config.Mode {
	case ModeSession:
		return s.serveSessions(ctx, conn, target)
	default:
		return s.serveSingle(ctx, conn, target)
	}
}

func (s *Server) markReady(conn *net.UDPConn) {
	s.mu.Lock()
	s.addr = conn.LocalAddr()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

// serveSingle runs the single-mapping loop: one outbound socket connected to
// the target, and the reply to each datagram reflected to its sender.
func (s *Server) serveSingle(ctx context.Context, listener *net.UDPConn, target *net.UDPAddr) error {
	outbound, err := net.DialUDP(protocol, nil, target)
	if err != nil {
		return fmt.Errorf("%w: connect outbound socket to %s: %w", errors.ErrBind, target, err)
	}
	defer outbound.Close()

	s.markReady(listener)
	s.config.Logger.Info("UDP relay started",
		slog.String("address", listener.LocalAddr().String()),
		slog.String("target", target.String()),
		slog.String("mode", string(ModeSingle)),
		slog.String("outbound", outbound.LocalAddr().String()),
		slog.Duration("reply_timeout", s.config.ReplyTimeout))

	in := make([]byte, s.config.BufferSize)
	reply := make([]byte, MaxDatagramSize)

	mapping := handler.Context{
		SessionID:  uuid.NewString(),
		TargetAddr: target.String(),
		Protocol:   protocol,
		StartedAt:  time.Now(),
	}

	return s.readLoop(ctx, listener, in, func(client *net.UDPAddr, payload []byte) {
		// The client recorded here is only valid for this iteration.
		hctx := mapping
		hctx.ClientAddr = client.String()
		s.exchange(ctx, listener, outbound, client, payload, reply, &hctx)
	})
}

// readLoop reads datagrams from listener and passes each one to forward, in
// arrival order, until the listener is closed.
func (s *Server) readLoop(ctx context.Context, listener *net.UDPConn, buf []byte, forward func(client *net.UDPAddr, payload []byte)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.Reset()

	for {
		n, client, err := listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.config.Logger.Info("UDP relay stopped",
					slog.String("address", listener.LocalAddr().String()))
				return nil
			}

			delay := bo.NextBackOff()
			s.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			s.handler.OnError(ctx, nil, errors.New("recv", protocol, "", "", err))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()

		forward(client, buf[:n])
	}
}

// exchange forwards one client datagram and delivers the reply, if any, back
// to that client.
func (s *Server) exchange(ctx context.Context, listener, outbound *net.UDPConn, client *net.UDPAddr, payload, reply []byte, hctx *handler.Context) {
	s.discardLate(ctx, outbound, reply, hctx)

	if _, err := outbound.Write(payload); err != nil {
		s.report(ctx, hctx, "send", err)
		return
	}
	s.datagram(ctx, hctx, handler.Upstream, len(payload))

	if s.afterSend != nil {
		s.afterSend()
	}

	n, err := s.receiveReply(outbound, reply)
	switch {
	case errors.Is(err, errors.ErrWouldBlock):
		s.config.Logger.Debug("no immediate reply",
			slog.String("client", hctx.ClientAddr))
		return
	case err != nil:
		s.report(ctx, hctx, "recv", err)
		return
	}

	if _, err := listener.WriteToUDP(reply[:n], client); err != nil {
		s.report(ctx, hctx, "reply", err)
		return
	}
	s.datagram(ctx, hctx, handler.Downstream, n)
}

// receiveReply checks the outbound socket for the reply to the datagram just sent.
// It returns errors.ErrWouldBlock when there is none within the configured wait.
func (s *Server) receiveReply(outbound *net.UDPConn, buf []byte) (int, error) {
	if s.config.ReplyTimeout <= 0 {
		return recvNonBlocking(outbound, buf)
	}

	if err := outbound.SetReadDeadline(time.Now().Add(s.config.ReplyTimeout)); err != nil {
		return 0, err
	}
	defer outbound.SetReadDeadline(time.Time{})

	n, err := outbound.Read(buf)
	if err != nil && errors.IsTimeout(err) {
		return 0, errors.ErrWouldBlock
	}
	return n, err
}

// discardLate drops replies that arrived after their own iteration ended, so they
// are never reflected to whichever client sent the next datagram.
func (s *Server) discardLate(ctx context.Context, outbound *net.UDPConn, buf []byte, hctx *handler.Context) {
	for i := 0; i < maxLateReplies; i++ {
		n, err := recvNonBlocking(outbound, buf)
		if err != nil {
			if errors.Is(err, errors.ErrWouldBlock) || errors.Is(err, net.ErrClosed) {
				return
			}
			// Pending ICMP errors from earlier sends surface here.
			s.config.Logger.Debug("discarding stale outbound error",
				slog.String("error", err.Error()))
			continue
		}
		s.config.Logger.Debug("dropping late reply",
			slog.String("client", hctx.ClientAddr),
			slog.Int("size", n))
	}
}

func (s *Server) datagram(ctx context.Context, hctx *handler.Context, dir handler.Direction, size int) {
	if err := s.handler.OnDatagram(ctx, hctx, dir, size); err != nil {
		s.config.Logger.Error("datagram handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

func (s *Server) report(ctx context.Context, hctx *handler.Context, op string, err error) {
	err = errors.New(op, protocol, hctx.SessionID, hctx.ClientAddr, err)
	s.config.Logger.Warn("datagram exchange failed",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.ClientAddr),
		slog.String("op", op),
		slog.String("error", err.Error()))
	s.handler.OnError(ctx, hctx, err)
}
