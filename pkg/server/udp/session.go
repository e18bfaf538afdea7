// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/handler"
	"github.com/HeilAsuka/Sigil/pkg/ratelimit"
	"github.com/HeilAsuka/Sigil/pkg/recovery"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Session is the forwarding state of one client address in ModeSession.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// Client is the client's UDP address
	Client *net.UDPAddr

	// Remote is the outbound socket connected to the target
	Remote *net.UDPConn

	// Context is the handler context for this session
	Context *handler.Context

	upstream   atomic.Int64
	downstream atomic.Int64
	closeOnce  sync.Once
}

// Stats returns the bytes forwarded so far.
func (s *Session) Stats() handler.Stats {
	return handler.Stats{
		Upstream:   s.upstream.Load(),
		Downstream: s.downstream.Load(),
		Duration:   time.Since(s.Context.StartedAt),
	}
}

// Close closes the outbound socket. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Remote.Close()
	})
	return err
}

// SessionManager keeps one Session per client address and evicts sessions
// that stay idle for longer than the session timeout.
type SessionManager struct {
	cache       *ttlcache.Cache[string, *Session]
	listener    *net.UDPConn
	target      *net.UDPAddr
	handler     handler.Handler
	logger      *slog.Logger
	maxSessions int
	bufferSize  int
	limiter     *ratelimit.Limiter

	// mu serializes session creation and removal.
	mu sync.Mutex
	wg sync.WaitGroup
}

func newSessionManager(listener *net.UDPConn, target *net.UDPAddr, cfg Config, h handler.Handler) *SessionManager {
	sm := &SessionManager{
		cache: ttlcache.New[string, *Session](
			ttlcache.WithTTL[string, *Session](cfg.SessionTimeout),
		),
		listener:    listener,
		target:      target,
		handler:     h,
		logger:      cfg.Logger,
		maxSessions: cfg.MaxSessions,
		bufferSize:  cfg.BufferSize,
		limiter:     cfg.RateLimiter,
	}

	// Runs with the cache locked: must not call back into the cache.
	sm.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		sm.closeSession(item.Value(), reason)
	})

	go sm.cache.Start()

	return sm
}

// GetOrCreate returns the session of client, creating it (and its outbound
// socket) on first use. Lookups refresh the session's idle timer.
func (sm *SessionManager) GetOrCreate(ctx context.Context, client *net.UDPAddr) (*Session, bool, error) {
	key := client.String()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if item := sm.cache.Get(key); item != nil {
		return item.Value(), false, nil
	}

	if sm.maxSessions > 0 && sm.cache.Len() >= sm.maxSessions {
		return nil, false, errors.ErrSessionLimit
	}

	if sm.limiter != nil && !sm.limiter.Allow(key) {
		return nil, false, errors.ErrRateLimited
	}

	remote, err := net.DialUDP("udp", nil, sm.target)
	if err != nil {
		return nil, false, err
	}

	sessionID := uuid.NewString()
	sess := &Session{
		ID:     sessionID,
		Client: client,
		Remote: remote,
		Context: &handler.Context{
			SessionID:  sessionID,
			ClientAddr: key,
			TargetAddr: sm.target.String(),
			Protocol:   protocol,
			StartedAt:  time.Now(),
		},
	}
	sm.cache.Set(key, sess, ttlcache.DefaultTTL)

	sm.wg.Add(1)
	go sm.downstream(ctx, sess)

	sm.logger.Debug("new UDP session created",
		slog.String("session", sessionID),
		slog.String("client", key),
		slog.String("outbound", remote.LocalAddr().String()))

	if err := sm.handler.OnSessionOpen(ctx, sess.Context); err != nil {
		sm.logger.Error("session open handler error",
			slog.String("session", sessionID),
			slog.String("error", err.Error()))
	}

	return sess, true, nil
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	return sm.cache.Len()
}

// remove evicts sess if it is still the session registered for its client.
func (sm *SessionManager) remove(sess *Session) {
	key := sess.Client.String()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	item := sm.cache.Get(key, ttlcache.WithDisableTouchOnHit[string, *Session]())
	if item != nil && item.Value() == sess {
		sm.cache.Delete(key)
	}
}

// Close evicts every session and waits for their readers to exit, up to timeout.
func (sm *SessionManager) Close(timeout time.Duration) error {
	sm.mu.Lock()
	sm.cache.DeleteAll()
	sm.mu.Unlock()
	sm.cache.Stop()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		sm.logger.Warn("UDP session readers did not stop in time")
		return errors.ErrShutdownTimeout
	}
}

func (sm *SessionManager) closeSession(sess *Session, reason ttlcache.EvictionReason) {
	sess.Close()

	sm.logger.Debug("UDP session closed",
		slog.String("session", sess.ID),
		slog.String("client", sess.Context.ClientAddr),
		slog.String("reason", evictionReason(reason)))

	if err := sm.handler.OnSessionClose(context.Background(), sess.Context, sess.Stats()); err != nil {
		sm.logger.Error("session close handler error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
}

// downstream relays replies from the session's outbound socket to its client
// until the socket is closed.
func (sm *SessionManager) downstream(ctx context.Context, sess *Session) {
	defer sm.wg.Done()
	defer recovery.RecoverWithLog(sm.logger, "udp session "+sess.ID)

	buf := make([]byte, sm.bufferSize)
	key := sess.Client.String()

	for {
		n, err := sess.Remote.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// The target is not listening yet; later datagrams may still get through.
			if errors.Is(err, syscall.ECONNREFUSED) {
				sm.report(ctx, sess, "recv", err)
				continue
			}
			sm.report(ctx, sess, "recv", err)
			sm.remove(sess)
			return
		}

		sm.cache.Touch(key)

		if _, err := sm.listener.WriteToUDP(buf[:n], sess.Client); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			sm.report(ctx, sess, "reply", err)
			continue
		}
		sess.downstream.Add(int64(n))

		if err := sm.handler.OnDatagram(ctx, sess.Context, handler.Downstream, n); err != nil {
			sm.logger.Error("datagram handler error",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (sm *SessionManager) report(ctx context.Context, sess *Session, op string, err error) {
	err = errors.New(op, protocol, sess.ID, sess.Context.ClientAddr, err)
	sm.logger.Warn("UDP session error",
		slog.String("session", sess.ID),
		slog.String("op", op),
		slog.String("error", err.Error()))
	sm.handler.OnError(ctx, sess.Context, err)
}

func evictionReason(reason ttlcache.EvictionReason) string {
	switch reason {
	case ttlcache.EvictionReasonExpired:
		return "idle"
	case ttlcache.EvictionReasonDeleted:
		return "removed"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	default:
		return "unknown"
	}
}

// serveSessions runs the session-table loop: each client address gets its own
// outbound socket, and replies on that socket go back to that client only.
func (s *Server) serveSessions(ctx context.Context, listener *net.UDPConn, target *net.UDPAddr) error {
	sm := newSessionManager(listener, target, s.config, s.handler)

	s.mu.Lock()
	s.sessions = sm
	s.mu.Unlock()

	s.markReady(listener)
	s.config.Logger.Info("UDP relay started",
		slog.String("address", listener.LocalAddr().String()),
		slog.String("target", target.String()),
		slog.String("mode", string(ModeSession)),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Int("max_sessions", s.config.MaxSessions))

	buf := make([]byte, s.config.BufferSize)
	err := s.readLoop(ctx, listener, buf, func(client *net.UDPAddr, payload []byte) {
		s.forwardSession(ctx, sm, client, payload)
	})

	s.config.Logger.Info("closing UDP sessions", slog.Int("count", sm.Count()))
	if cerr := sm.Close(s.config.ShutdownTimeout); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) forwardSession(ctx context.Context, sm *SessionManager, client *net.UDPAddr, payload []byte) {
	sess, _, err := sm.GetOrCreate(ctx, client)
	if err != nil {
		hctx := &handler.Context{
			ClientAddr: client.String(),
			TargetAddr: sm.target.String(),
			Protocol:   protocol,
			StartedAt:  time.Now(),
		}
		s.report(ctx, hctx, "session", err)
		return
	}

	if _, err := sess.Remote.Write(payload); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		s.report(ctx, sess.Context, "send", err)
		return
	}
	sess.upstream.Add(int64(len(payload)))
	s.datagram(ctx, sess.Context, handler.Upstream, len(payload))
}
