// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sigil holds the process configuration of the sigil forwarder.
package sigil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/HeilAsuka/Sigil/pkg/endpoint"
	"github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/forwarder"
	"github.com/HeilAsuka/Sigil/pkg/ratelimit"
	"github.com/HeilAsuka/Sigil/pkg/server/tcp"
	"github.com/HeilAsuka/Sigil/pkg/server/udp"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by NewConfig.
const EnvPrefix = "SIGIL_"

// Config is the forwarder configuration.
type Config struct {
	ListenAddress string `env:"LISTEN_ADDRESS"`
	RemoteAddress string `env:"REMOTE_ADDRESS"`

	TCP bool `env:"TCP" envDefault:"true"`
	UDP bool `env:"UDP" envDefault:"false"`

	// UDP endpoints default to ListenAddress and RemoteAddress.
	UDPListenAddress  string        `env:"UDP_LISTEN_ADDRESS"`
	UDPRemoteAddress  string        `env:"UDP_REMOTE_ADDRESS"`
	UDPMode           string        `env:"UDP_MODE"            envDefault:"single"`
	UDPReplyTimeout   time.Duration `env:"UDP_REPLY_TIMEOUT"   envDefault:"0s"`
	UDPSessionTimeout time.Duration `env:"UDP_SESSION_TIMEOUT" envDefault:"30s"`
	UDPMaxSessions    int           `env:"UDP_MAX_SESSIONS"    envDefault:"0"`

	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"     envDefault:"10s"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	FailFast        bool          `env:"FAIL_FAST"        envDefault:"false"`

	// ClientRate is the number of new sessions per second one client host may
	// open. 0 disables the limit.
	ClientRate  float64 `env:"CLIENT_RATE"  envDefault:"0"`
	ClientBurst int     `env:"CLIENT_BURST" envDefault:"10"`

	MetricsAddress string `env:"METRICS_ADDRESS"`
	LogLevel       string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// udpListenAddress returns the UDP listen address, falling back to ListenAddress.
func (c Config) udpListenAddress() string {
	if c.UDPListenAddress != "" {
		return c.UDPListenAddress
	}
	return c.ListenAddress
}

func (c Config) udpRemoteAddress() string {
	if c.UDPRemoteAddress != "" {
		return c.UDPRemoteAddress
	}
	return c.RemoteAddress
}

// endpoints holds the resolved address of every enabled relay.
type endpoints struct {
	tcpListen, tcpRemote endpoint.Endpoint
	udpListen, udpRemote endpoint.Endpoint
}

// Validate checks the configuration without binding anything. Every enabled
// endpoint must resolve.
func (c Config) Validate() error {
	_, err := c.resolve()
	return err
}

// resolve validates c and resolves its endpoints. Resolution happens here
// only; the relays use the results for their whole lifetime.
func (c Config) resolve() (endpoints, error) {
	var eps endpoints
	if !c.TCP && !c.UDP {
		return eps, errors.ErrNoRelays
	}

	var err error
	if c.TCP {
		if eps.tcpListen, err = endpoint.Resolve(endpoint.TCP, c.ListenAddress); err != nil {
			return eps, errors.Wrap(err, "listening address")
		}
		if eps.tcpRemote, err = endpoint.Resolve(endpoint.TCP, c.RemoteAddress); err != nil {
			return eps, errors.Wrap(err, "remote address")
		}
	}

	if c.UDP {
		if eps.udpListen, err = endpoint.Resolve(endpoint.UDP, c.udpListenAddress()); err != nil {
			return eps, errors.Wrap(err, "UDP listening address")
		}
		if eps.udpRemote, err = endpoint.Resolve(endpoint.UDP, c.udpRemoteAddress()); err != nil {
			return eps, errors.Wrap(err, "UDP remote address")
		}
		if _, err := udp.ParseMode(c.UDPMode); err != nil {
			return eps, err
		}
	}

	switch {
	case c.UDPReplyTimeout < 0:
		return eps, fmt.Errorf("UDP reply timeout must not be negative: %s", c.UDPReplyTimeout)
	case c.UDPSessionTimeout < 0:
		return eps, fmt.Errorf("UDP session timeout must not be negative: %s", c.UDPSessionTimeout)
	case c.UDPMaxSessions < 0:
		return eps, fmt.Errorf("UDP max sessions must not be negative: %d", c.UDPMaxSessions)
	case c.DialTimeout < 0:
		return eps, fmt.Errorf("dial timeout must not be negative: %s", c.DialTimeout)
	case c.MaxConnections < 0:
		return eps, fmt.Errorf("max connections must not be negative: %d", c.MaxConnections)
	case c.ClientRate < 0:
		return eps, fmt.Errorf("client rate must not be negative: %v", c.ClientRate)
	case c.ClientBurst < 0:
		return eps, fmt.Errorf("client burst must not be negative: %d", c.ClientBurst)
	case c.ShutdownTimeout < 0:
		return eps, fmt.Errorf("shutdown timeout must not be negative: %s", c.ShutdownTimeout)
	}

	return eps, nil
}

// RateLimiter returns the per-client session limiter, or nil when ClientRate is 0.
// The caller must Close it.
func (c Config) RateLimiter() *ratelimit.Limiter {
	if c.ClientRate <= 0 {
		return nil
	}
	return ratelimit.NewLimiter(c.ClientRate, c.ClientBurst, ratelimit.DefaultIdleTimeout)
}

// Forwarder validates c and converts it into the relay configuration.
func (c Config) Forwarder(logger *slog.Logger) (forwarder.Config, error) {
	eps, err := c.resolve()
	if err != nil {
		return forwarder.Config{}, err
	}

	fc := forwarder.Config{
		Policy: forwarder.PolicyIsolate,
		Logger: logger,
	}
	if c.FailFast {
		fc.Policy = forwarder.PolicyFailFast
	}

	if c.TCP {
		fc.TCP = &tcp.Config{
			Address:         c.ListenAddress,
			TargetAddress:   c.RemoteAddress,
			Listen:          eps.tcpListen,
			Remote:          eps.tcpRemote,
			DialTimeout:     c.DialTimeout,
			MaxConnections:  c.MaxConnections,
			ShutdownTimeout: c.ShutdownTimeout,
		}
	}

	if c.UDP {
		mode, _ := udp.ParseMode(c.UDPMode)
		fc.UDP = &udp.Config{
			Address:         c.udpListenAddress(),
			TargetAddress:   c.udpRemoteAddress(),
			Listen:          eps.udpListen,
			Remote:          eps.udpRemote,
			Mode:            mode,
			ReplyTimeout:    c.UDPReplyTimeout,
			SessionTimeout:  c.UDPSessionTimeout,
			MaxSessions:     c.UDPMaxSessions,
			ShutdownTimeout: c.ShutdownTimeout,
		}
	}

	return fc, nil
}
