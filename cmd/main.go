// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command sigil forwards TCP connections, and optionally UDP datagrams, from a
// listening address to a remote address.
package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HeilAsuka/Sigil"
	"github.com/HeilAsuka/Sigil/examples/simple"
	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/forwarder"
	"github.com/HeilAsuka/Sigil/pkg/metrics"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2

	defaultEnvFile = ".env"
)

// usageError marks errors caused by invalid flags or configuration.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the sigil command and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "Error: %s\n", err)

	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprintln(stderr, "Run 'sigil --help' for usage.")
		return exitUsage
	}
	return exitRuntime
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sigil",
		Short: "TCP/UDP forwarding proxy",
		Long: `sigil accepts TCP connections (and optionally UDP datagrams) on a listening
address and relays them, byte for byte, to a fixed remote address.

Every flag can also be set through a SIGIL_ environment variable or a .env file.
Flags take precedence over the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected arguments: %v", args)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return usageError{err}
			}
			return run(cmd.Context(), cfg, stdout)
		},
	}

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	registerFlags(cmd.Flags())
	return cmd
}

func registerFlags(flags *pflag.FlagSet) {
	defaults, _ := sigil.NewConfig(env.Options{
		Prefix:      "SIGIL_DEFAULTS_",
		Environment: map[string]string{},
	})

	flags.StringP("listening-addr", "l", "", "address to accept connections on (host:port)")
	flags.StringP("remote-addr", "r", "", "address to forward traffic to (host:port)")
	flags.Bool("tcp", defaults.TCP, "forward TCP connections")
	flags.Bool("udp", defaults.UDP, "forward UDP datagrams")
	flags.String("udp-listening-addr", "", "UDP listening address (defaults to --listening-addr)")
	flags.String("udp-remote-addr", "", "UDP remote address (defaults to --remote-addr)")
	flags.String("udp-mode", defaults.UDPMode, "UDP mapping mode: single or session")
	flags.Duration("udp-reply-timeout", defaults.UDPReplyTimeout, "how long single mode waits for a reply (0 = only already queued replies)")
	flags.Duration("udp-session-timeout", defaults.UDPSessionTimeout, "idle timeout of session mode sessions")
	flags.Int("udp-max-sessions", defaults.UDPMaxSessions, "maximum concurrent UDP sessions (0 = unlimited)")
	flags.Duration("dial-timeout", defaults.DialTimeout, "timeout for connecting to the remote")
	flags.Int("max-connections", defaults.MaxConnections, "maximum concurrent TCP sessions (0 = unlimited)")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "how long to drain sessions on shutdown")
	flags.Bool("fail-fast", defaults.FailFast, "stop every relay when one fails")
	flags.Float64("client-rate", defaults.ClientRate, "new sessions per second allowed per client host (0 = unlimited)")
	flags.Int("client-burst", defaults.ClientBurst, "burst of new sessions allowed per client host")
	flags.String("metrics-addr", "", "address of the metrics and health HTTP server (empty = disabled)")
	flags.String("log-level", defaults.LogLevel, "log level: debug, info, warn or error")
	flags.String("log-format", defaults.LogFormat, "log format: text or json")
	flags.String("env-file", defaultEnvFile, "file to load environment variables from")
}

// loadConfig reads the env file, then the environment, then applies every
// flag that was set explicitly.
func loadConfig(flags *pflag.FlagSet) (sigil.Config, error) {
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return sigil.Config{}, err
	}
	if err := godotenv.Load(envFile); err != nil {
		// A missing default file is fine, a missing explicit one is not.
		if !errors.Is(err, fs.ErrNotExist) || flags.Changed("env-file") {
			return sigil.Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg, err := sigil.NewConfig(env.Options{Prefix: sigil.EnvPrefix})
	if err != nil {
		return sigil.Config{}, err
	}

	if err := applyFlags(flags, &cfg); err != nil {
		return sigil.Config{}, err
	}
	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *sigil.Config) error {
	strs := map[string]*string{
		"listening-addr":     &cfg.ListenAddress,
		"remote-addr":        &cfg.RemoteAddress,
		"udp-listening-addr": &cfg.UDPListenAddress,
		"udp-remote-addr":    &cfg.UDPRemoteAddress,
		"udp-mode":           &cfg.UDPMode,
		"metrics-addr":       &cfg.MetricsAddress,
		"log-level":          &cfg.LogLevel,
		"log-format":         &cfg.LogFormat,
	}
	for name, dst := range strs {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	bools := map[string]*bool{
		"tcp":       &cfg.TCP,
		"udp":       &cfg.UDP,
		"fail-fast": &cfg.FailFast,
	}
	for name, dst := range bools {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	ints := map[string]*int{
		"udp-max-sessions": &cfg.UDPMaxSessions,
		"max-connections":  &cfg.MaxConnections,
		"client-burst":     &cfg.ClientBurst,
	}
	for name, dst := range ints {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"udp-reply-timeout":   &cfg.UDPReplyTimeout,
		"udp-session-timeout": &cfg.UDPSessionTimeout,
		"dial-timeout":        &cfg.DialTimeout,
		"shutdown-timeout":    &cfg.ShutdownTimeout,
	}
	for name, dst := range durations {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if flags.Changed("client-rate") {
		v, err := flags.GetFloat64("client-rate")
		if err != nil {
			return err
		}
		cfg.ClientRate = v
	}

	return nil
}

// run starts the relays and blocks until they stop or a shutdown signal arrives.
func run(ctx context.Context, cfg sigil.Config, stdout io.Writer) error {
	logger, err := newLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return usageError{err}
	}

	fc, err := cfg.Forwarder(logger)
	if err != nil {
		return usageError{err}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("sigil", reg)
	fc.Metrics = m

	if limiter := cfg.RateLimiter(); limiter != nil {
		defer limiter.Close()
		fc.RateLimiter = limiter
	}

	sup, err := forwarder.New(fc, NewInstrumentedHandler(simple.New(logger), m))
	if err != nil {
		return usageError{err}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	logger.Info("sigil starting",
		slog.String("listening_addr", cfg.ListenAddress),
		slog.String("remote_addr", cfg.RemoteAddress),
		slog.Any("relays", sup.Relays()),
		slog.String("policy", fc.Policy.String()))

	g.Go(func() error {
		// Once every relay has stopped there is nothing left to serve.
		defer cancel()
		return sup.Run(ctx)
	})

	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			return serveObservability(ctx, cfg.MetricsAddress, reg, newRelayChecker(sup), logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("sigil terminated with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("sigil stopped")
	return nil
}

// StopSignalHandler cancels ctx on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
