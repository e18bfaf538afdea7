// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package forwarder runs the TCP and UDP relays side by side and applies the
// configured failure policy when one of them stops.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/handler"
	"github.com/HeilAsuka/Sigil/pkg/metrics"
	"github.com/HeilAsuka/Sigil/pkg/ratelimit"
	"github.com/HeilAsuka/Sigil/pkg/recovery"
	"github.com/HeilAsuka/Sigil/pkg/server/tcp"
	"github.com/HeilAsuka/Sigil/pkg/server/udp"
	"golang.org/x/sync/errgroup"
)

// Policy decides what happens to the other relays when one fails.
type Policy int

const (
	// PolicyIsolate reports a failed relay and keeps the others running.
	PolicyIsolate Policy = iota

	// PolicyFailFast stops every relay on the first failure.
	PolicyFailFast
)

func (p Policy) String() string {
	switch p {
	case PolicyIsolate:
		return "isolate"
	case PolicyFailFast:
		return "fail-fast"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a relay.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Config selects which relays run. A nil relay config disables that relay.
type Config struct {
	TCP    *tcp.Config
	UDP    *udp.Config
	Policy Policy

	// RateLimiter, if set, is shared by both relays to limit new sessions per
	// client host. It overrides the relay configs' own limiter.
	RateLimiter *ratelimit.Limiter

	// Metrics, if set, tracks whether each relay loop is up.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// relay is the part of tcp.Server and udp.Server the supervisor drives.
type relay interface {
	Listen(ctx context.Context) error
	Ready() <-chan struct{}
}

type entry struct {
	name   string
	server relay
}

// Supervisor owns the configured relays.
type Supervisor struct {
	config  Config
	relays  []entry
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	states map[string]State
	errs   map[string]error
}

// New builds the configured relays. It returns errors.ErrNoRelays when neither
// TCP nor UDP is configured.
func New(cfg Config, h handler.Handler) (*Supervisor, error) {
	if cfg.TCP == nil && cfg.UDP == nil {
		return nil, errors.ErrNoRelays
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		states:  make(map[string]State),
		errs:    make(map[string]error),
	}

	if cfg.TCP != nil {
		tcpCfg := *cfg.TCP
		if tcpCfg.Logger == nil {
			tcpCfg.Logger = cfg.Logger.With(slog.String("transport", "tcp"))
		}
		if cfg.RateLimiter != nil {
			tcpCfg.RateLimiter = cfg.RateLimiter
		}
		s.add("tcp", tcp.New(tcpCfg, h))
	}
	if cfg.UDP != nil {
		udpCfg := *cfg.UDP
		if udpCfg.Logger == nil {
			udpCfg.Logger = cfg.Logger.With(slog.String("transport", "udp"))
		}
		if cfg.RateLimiter != nil {
			udpCfg.RateLimiter = cfg.RateLimiter
		}
		s.add("udp", udp.New(udpCfg, h))
	}

	return s, nil
}

func (s *Supervisor) add(name string, r relay) {
	s.relays = append(s.relays, entry{name: name, server: r})
	s.states[name] = StateStarting
}

// Run starts every relay and blocks until all of them have stopped. It returns
// the joined errors of the relays that failed, or nil when they all stopped
// because ctx was cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu   sync.Mutex
		errs []error
	)

	for _, r := range s.relays {
		// Under PolicyIsolate a failure must not cancel the sibling relays.
		runCtx := ctx
		if s.config.Policy == PolicyFailFast {
			runCtx = gctx
		}

		g.Go(func() error {
			readyCtx, stopWatch := context.WithCancel(runCtx)
			defer stopWatch()
			go s.watchReady(readyCtx, r)

			err := s.listen(runCtx, r)
			if err == nil {
				s.setState(r.name, StateStopped, nil)
				s.logger.Info("relay stopped", slog.String("relay", r.name))
				return nil
			}

			err = fmt.Errorf("%s relay: %w", r.name, err)
			s.setState(r.name, StateFailed, err)
			s.logger.Error("relay failed",
				slog.String("relay", r.name),
				slog.String("policy", s.config.Policy.String()),
				slog.String("error", err.Error()))

			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()

			if s.config.Policy == PolicyFailFast {
				return err
			}
			return nil
		})
	}

	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

// listen runs one relay. A panic in the relay loop is returned as its failure.
func (s *Supervisor) listen(ctx context.Context, r entry) (err error) {
	defer recovery.RecoverWithCallback(s.logger, r.name+" relay", func(p *recovery.PanicError) {
		err = p
	})

	if s.metrics == nil {
		return r.server.Listen(ctx)
	}
	return s.metrics.ObserveRelay(r.name, func() error {
		return r.server.Listen(ctx)
	})
}

func (s *Supervisor) watchReady(ctx context.Context, r entry) {
	select {
	case <-r.server.Ready():
		s.mu.Lock()
		if s.states[r.name] == StateStarting {
			s.states[r.name] = StateRunning
		}
		s.mu.Unlock()
	case <-ctx.Done():
	}
}

func (s *Supervisor) setState(name string, state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
	s.errs[name] = err
}

// Status returns the current state of every configured relay, keyed by "tcp" or "udp".
func (s *Supervisor) Status() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]State, len(s.states))
	for name, state := range s.states {
		status[name] = state
	}
	return status
}

// Err returns the error a relay failed with, or nil.
func (s *Supervisor) Err(name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs[name]
}

// Relays returns the names of the configured relays in start order.
func (s *Supervisor) Relays() []string {
	names := make([]string, 0, len(s.relays))
	for _, r := range s.relays {
		names = append(names, r.name)
	}
	return names
}
