// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/forwarder"
	"github.com/HeilAsuka/Sigil/pkg/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCacheTTL = time.Second

// newRelayChecker registers one health check per relay of sup.
func newRelayChecker(sup *forwarder.Supervisor) *health.Checker {
	checker := health.NewChecker(healthCacheTTL)
	for _, name := range sup.Relays() {
		checker.Register(name, func(ctx context.Context) error {
			switch state := sup.Status()[name]; state {
			case forwarder.StateRunning:
				return nil
			case forwarder.StateFailed:
				return sup.Err(name)
			default:
				return fmt.Errorf("%s relay is %s", name, state)
			}
		})
	}
	return checker
}

func newObservabilityMux(reg *prometheus.Registry, checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return mux
}

// serveObservability serves metrics and health endpoints on addr until ctx is done.
func serveObservability(ctx context.Context, addr string, reg *prometheus.Registry, checker *health.Checker, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: metrics server on %s: %w", errors.ErrBind, addr, err)
	}

	srv := &http.Server{
		Handler:      newObservabilityMux(reg, checker),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("metrics server started", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
