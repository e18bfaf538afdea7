// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/HeilAsuka/Sigil/pkg/endpoint"
	sigilerrors "github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/handler"
	"github.com/HeilAsuka/Sigil/pkg/ratelimit"
)

type mockHandler struct {
	handler.NoopHandler

	mu       sync.Mutex
	opened   int
	upstream int
	errs     []error
	closedCh chan handler.Stats
}

func newMockHandler() *mockHandler {
	return &mockHandler{closedCh: make(chan handler.Stats, 16)}
}

func (m *mockHandler) OnSessionOpen(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return nil
}

func (m *mockHandler) OnSessionClose(ctx context.Context, hctx *handler.Context, stats handler.Stats) error {
	m.closedCh <- stats
	return nil
}

func (m *mockHandler) OnDatagram(ctx context.Context, hctx *handler.Context, dir handler.Direction, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dir == handler.Upstream {
		m.upstream++
	}
	return nil
}

func (m *mockHandler) OnError(ctx context.Context, hctx *handler.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

func (m *mockHandler) recorded() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errs...)
}

func (m *mockHandler) upstreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upstream
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// startServer runs a relay on a random loopback port. The returned stop func
// cancels it and returns the result of Listen.
func startServer(t *testing.T, server *Server) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()

	select {
	case <-server.Ready():
	case err := <-serverErr:
		cancel()
		t.Fatalf("Server exited with error: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("Server did not start in time")
	}

	var (
		once   sync.Once
		result error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-serverErr:
			case <-time.After(5 * time.Second):
				t.Error("Server shutdown timeout")
			}
		})
		return result
	}
	t.Cleanup(func() { stop() })

	return stop
}

func newServer(cfg Config, h handler.Handler) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	return New(cfg, h)
}

// startBackend starts a UDP server that hands every datagram to respond.
func startBackend(t *testing.T, respond func(conn *net.UDPConn, from *net.UDPAddr, payload []byte)) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, MaxDatagramSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			respond(conn, from, append([]byte(nil), buf[:n]...))
		}
	}()

	return conn
}

func echo(conn *net.UDPConn, from *net.UDPAddr, payload []byte) {
	conn.WriteToUDP(payload, from)
}

func dial(t *testing.T, server *Server) *net.UDPConn {
	t.Helper()

	conn, err := net.DialUDP("udp", nil, server.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWithin(conn *net.UDPConn, d time.Duration) ([]byte, error) {
	buf := make([]byte, MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(d))
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeSingle, false},
		{"single", ModeSingle, false},
		{"session", ModeSession, false},
		{"sessions", "", true},
	}

	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", TargetAddress: "127.0.0.1:1"}, nil)

	if server.config.Mode != ModeSingle {
		t.Errorf("Expected default mode %q, got %q", ModeSingle, server.config.Mode)
	}
	if server.config.SessionTimeout != DefaultSessionTimeout {
		t.Errorf("Expected default session timeout %v, got %v", DefaultSessionTimeout, server.config.SessionTimeout)
	}
	if server.config.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("Expected default shutdown timeout %v, got %v", DefaultShutdownTimeout, server.config.ShutdownTimeout)
	}
	if server.config.BufferSize != DefaultBufferSize {
		t.Errorf("Expected default buffer size %d, got %d", DefaultBufferSize, server.config.BufferSize)
	}
	if server.handler == nil {
		t.Error("Expected noop handler to be set")
	}
}

func TestServer_ForwardsToRemote(t *testing.T) {
	received := make(chan []byte, 4)
	backend := startBackend(t, func(conn *net.UDPConn, from *net.UDPAddr, payload []byte) {
		received <- payload
	})

	h := newMockHandler()
	server := newServer(Config{TargetAddress: backend.LocalAddr().String()}, h)
	startServer(t, server)

	client := dial(t, server)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Errorf("Expected 'hello', got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Remote did not receive the datagram")
	}
}

func TestServer_SingleReplyTimeout(t *testing.T) {
	backend := startBackend(t, echo)

	server := newServer(Config{
		TargetAddress: backend.LocalAddr().String(),
		ReplyTimeout:  time.Second,
	}, newMockHandler())
	startServer(t, server)

	client := dial(t, server)
	for _, msg := range []string{"ping", "pong", "again"} {
		if _, err := client.Write([]byte(msg)); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
		got, err := readWithin(client, 2*time.Second)
		if err != nil {
			t.Fatalf("Expected reply to %q: %v", msg, err)
		}
		if string(got) != msg {
			t.Errorf("Expected %q, got %q", msg, got)
		}
	}
}

func TestServer_SingleNonBlockingQueuedReply(t *testing.T) {
	backend := startBackend(t, echo)

	server := newServer(Config{TargetAddress: backend.LocalAddr().String()}, newMockHandler())
	// Give the echo time to be queued before the non-blocking check.
	server.afterSend = func() { time.Sleep(100 * time.Millisecond) }
	startServer(t, server)

	client := dial(t, server)
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	got, err := readWithin(client, 2*time.Second)
	if err != nil {
		t.Fatalf("Expected queued reply to be forwarded: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("Expected 'ping', got %q", got)
	}
}

func TestServer_SingleSlowReplyDropped(t *testing.T) {
	backend := startBackend(t, func(conn *net.UDPConn, from *net.UDPAddr, payload []byte) {
		time.Sleep(200 * time.Millisecond)
		conn.WriteToUDP(payload, from)
	})

	h := newMockHandler()
	server := newServer(Config{TargetAddress: backend.LocalAddr().String()}, h)
	startServer(t, server)

	first := dial(t, server)
	if _, err := first.Write([]byte("first")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if got, err := readWithin(first, 500*time.Millisecond); err == nil {
		t.Fatalf("Expected no reply, got %q", got)
	}

	// The late reply to "first" is queued by now and must not reach the next client.
	second := dial(t, server)
	if _, err := second.Write([]byte("second")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if got, err := readWithin(second, 100*time.Millisecond); err == nil && bytes.Equal(got, []byte("first")) {
		t.Error("Late reply was delivered to another client")
	}
}

func TestServer_SingleSurvivesUnreachableRemote(t *testing.T) {
	// Bind and release a port so nothing listens on it.
	reserved, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	target := reserved.LocalAddr().String()
	reserved.Close()

	h := newMockHandler()
	server := newServer(Config{TargetAddress: target, ReplyTimeout: 50 * time.Millisecond}, h)
	stop := startServer(t, server)

	client := dial(t, server)
	for i := 0; i < 5; i++ {
		client.Write([]byte("x"))
		time.Sleep(20 * time.Millisecond)
	}

	// Every datagram is either forwarded or reported as a send failure.
	handled := func() int {
		n := h.upstreamCount()
		for _, err := range h.recorded() {
			var relayErr *sigilerrors.RelayError
			if errors.As(err, &relayErr) && relayErr.Op == "send" {
				n++
			}
		}
		return n
	}
	deadline := time.Now().Add(2 * time.Second)
	for handled() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := handled(); got != 5 {
		t.Errorf("Expected relay to handle 5 datagrams, got %d", got)
	}

	if err := stop(); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}

func TestServer_SessionModeIsolatesClients(t *testing.T) {
	backend := startBackend(t, echo)

	h := newMockHandler()
	server := newServer(Config{
		TargetAddress: backend.LocalAddr().String(),
		Mode:          ModeSession,
	}, h)
	startServer(t, server)

	a := dial(t, server)
	b := dial(t, server)

	if _, err := a.Write([]byte("from-a")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if _, err := b.Write([]byte("from-b")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	for conn, want := range map[*net.UDPConn]string{a: "from-a", b: "from-b"} {
		got, err := readWithin(conn, 2*time.Second)
		if err != nil {
			t.Fatalf("Expected reply %q: %v", want, err)
		}
		if string(got) != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}

	if got := server.Sessions().Count(); got != 2 {
		t.Errorf("Expected 2 sessions, got %d", got)
	}
	h.mu.Lock()
	opened := h.opened
	h.mu.Unlock()
	if opened != 2 {
		t.Errorf("Expected 2 session opens, got %d", opened)
	}
}

func TestServer_SessionLimit(t *testing.T) {
	backend := startBackend(t, echo)

	h := newMockHandler()
	server := newServer(Config{
		TargetAddress: backend.LocalAddr().String(),
		Mode:          ModeSession,
		MaxSessions:   1,
	}, h)
	startServer(t, server)

	a := dial(t, server)
	a.Write([]byte("a"))
	if _, err := readWithin(a, 2*time.Second); err != nil {
		t.Fatalf("Expected first session to work: %v", err)
	}

	b := dial(t, server)
	b.Write([]byte("b"))
	if got, err := readWithin(b, 300*time.Millisecond); err == nil {
		t.Fatalf("Expected second client to be rejected, got %q", got)
	}

	var limited bool
	for _, err := range h.recorded() {
		if errors.Is(err, sigilerrors.ErrSessionLimit) {
			limited = true
		}
	}
	if !limited {
		t.Errorf("Expected ErrSessionLimit, got %v", h.recorded())
	}
}

func TestServer_SessionRateLimited(t *testing.T) {
	backend := startBackend(t, echo)
	limiter := ratelimit.NewLimiter(0, 1, time.Minute)
	defer limiter.Close()

	h := newMockHandler()
	server := newServer(Config{
		TargetAddress: backend.LocalAddr().String(),
		Mode:          ModeSession,
		RateLimiter:   limiter,
	}, h)
	startServer(t, server)

	// Both clients share the loopback host, so the second one is over the limit.
	a := dial(t, server)
	a.Write([]byte("a"))
	if _, err := readWithin(a, 2*time.Second); err != nil {
		t.Fatalf("Expected first session to work: %v", err)
	}

	b := dial(t, server)
	b.Write([]byte("b"))
	if got, err := readWithin(b, 300*time.Millisecond); err == nil {
		t.Fatalf("Expected second client to be limited, got %q", got)
	}

	var limited bool
	for _, err := range h.recorded() {
		if errors.Is(err, sigilerrors.ErrRateLimited) {
			limited = true
		}
	}
	if !limited {
		t.Errorf("Expected ErrRateLimited, got %v", h.recorded())
	}
}

func TestServer_SessionIdleEviction(t *testing.T) {
	backend := startBackend(t, echo)

	h := newMockHandler()
	server := newServer(Config{
		TargetAddress:  backend.LocalAddr().String(),
		Mode:           ModeSession,
		SessionTimeout: 100 * time.Millisecond,
	}, h)
	startServer(t, server)

	client := dial(t, server)
	client.Write([]byte("hello"))
	if _, err := readWithin(client, 2*time.Second); err != nil {
		t.Fatalf("Expected reply: %v", err)
	}

	select {
	case stats := <-h.closedCh:
		if stats.Upstream != 5 || stats.Downstream != 5 {
			t.Errorf("Expected 5/5 bytes, got %d/%d", stats.Upstream, stats.Downstream)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Idle session was not evicted")
	}

	if got := server.Sessions().Count(); got != 0 {
		t.Errorf("Expected no sessions after eviction, got %d", got)
	}
}

func TestServer_SessionShutdownClosesSessions(t *testing.T) {
	backend := startBackend(t, echo)

	h := newMockHandler()
	server := newServer(Config{
		TargetAddress: backend.LocalAddr().String(),
		Mode:          ModeSession,
	}, h)
	stop := startServer(t, server)

	client := dial(t, server)
	client.Write([]byte("hello"))
	if _, err := readWithin(client, 2*time.Second); err != nil {
		t.Fatalf("Expected reply: %v", err)
	}

	if err := stop(); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}

	select {
	case <-h.closedCh:
	case <-time.After(time.Second):
		t.Error("Expected session close on shutdown")
	}
}

func TestServer_ResolvedEndpoints(t *testing.T) {
	backend := startBackend(t, echo)
	remote, err := endpoint.Resolve(endpoint.UDP, backend.LocalAddr().String())
	if err != nil {
		t.Fatalf("Failed to resolve backend: %v", err)
	}
	local, err := endpoint.Resolve(endpoint.UDP, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to resolve listen address: %v", err)
	}

	for _, mode := range []Mode{ModeSingle, ModeSession} {
		t.Run(string(mode), func(t *testing.T) {
			server := newServer(Config{
				Address:       "unresolvable.invalid:1",
				TargetAddress: "unresolvable.invalid:1",
				Listen:        local,
				Remote:        remote,
				Mode:          mode,
				ReplyTimeout:  time.Second,
			}, nil)
			startServer(t, server)

			client := dial(t, server)
			if _, err := client.Write([]byte("ping")); err != nil {
				t.Fatalf("Failed to send: %v", err)
			}
			got, err := readWithin(client, 2*time.Second)
			if err != nil {
				t.Fatalf("Expected reply: %v", err)
			}
			if string(got) != "ping" {
				t.Errorf("Expected ping, got %q", got)
			}
		})
	}
}

func TestServer_InvalidAddress(t *testing.T) {
	server := New(Config{
		Address:       "invalid:address:99999",
		TargetAddress: "127.0.0.1:1",
		Logger:        testLogger(),
	}, nil)

	err := server.Listen(context.Background())
	if !errors.Is(err, sigilerrors.ErrBind) {
		t.Errorf("Expected ErrBind, got %v", err)
	}
}

func TestServer_AddressInUse(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	defer taken.Close()

	server := New(Config{
		Address:       taken.LocalAddr().String(),
		TargetAddress: "127.0.0.1:1",
		Logger:        testLogger(),
	}, nil)

	err = server.Listen(context.Background())
	if !errors.Is(err, sigilerrors.ErrBind) {
		t.Errorf("Expected ErrBind, got %v", err)
	}
}

func TestServer_ContextCancellation(t *testing.T) {
	for _, mode := range []Mode{ModeSingle, ModeSession} {
		t.Run(string(mode), func(t *testing.T) {
			server := newServer(Config{TargetAddress: "127.0.0.1:1", Mode: mode}, nil)
			stop := startServer(t, server)

			if err := stop(); err != nil {
				t.Errorf("Expected nil on cancellation, got %v", err)
			}
		})
	}
}
