// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sigil

import (
	"errors"
	"testing"
	"time"

	"github.com/HeilAsuka/Sigil/pkg/endpoint"
	sigilerrors "github.com/HeilAsuka/Sigil/pkg/errors"
	"github.com/HeilAsuka/Sigil/pkg/forwarder"
	"github.com/HeilAsuka/Sigil/pkg/server/udp"
	"github.com/caarlos0/env/v11"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: "SIGIL_TEST_DEFAULTS_"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !cfg.TCP || cfg.UDP {
		t.Errorf("Expected TCP only by default, got tcp=%v udp=%v", cfg.TCP, cfg.UDP)
	}
	if cfg.UDPMode != "single" {
		t.Errorf("Expected single UDP mode, got %q", cfg.UDPMode)
	}
	if cfg.UDPReplyTimeout != 0 {
		t.Errorf("Expected non-blocking reply check, got %v", cfg.UDPReplyTimeout)
	}
	if cfg.DialTimeout != 10*time.Second || cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Unexpected timeouts: dial=%v shutdown=%v", cfg.DialTimeout, cfg.ShutdownTimeout)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("Unexpected log settings: %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestNewConfig_FromEnv(t *testing.T) {
	t.Setenv("SIGIL_LISTEN_ADDRESS", "127.0.0.1:8080")
	t.Setenv("SIGIL_REMOTE_ADDRESS", "127.0.0.1:9090")
	t.Setenv("SIGIL_UDP", "true")
	t.Setenv("SIGIL_UDP_MODE", "session")
	t.Setenv("SIGIL_UDP_SESSION_TIMEOUT", "5s")
	t.Setenv("SIGIL_FAIL_FAST", "true")

	cfg, err := NewConfig(env.Options{Prefix: EnvPrefix})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:8080" || cfg.RemoteAddress != "127.0.0.1:9090" {
		t.Errorf("Unexpected addresses: %q %q", cfg.ListenAddress, cfg.RemoteAddress)
	}
	if !cfg.UDP || cfg.UDPMode != "session" || cfg.UDPSessionTimeout != 5*time.Second {
		t.Errorf("Unexpected UDP settings: %+v", cfg)
	}
	if !cfg.FailFast {
		t.Error("Expected fail-fast")
	}
}

func validConfig() Config {
	return Config{
		ListenAddress:     "127.0.0.1:8080",
		RemoteAddress:     "127.0.0.1:9090",
		TCP:               true,
		UDPMode:           "single",
		UDPSessionTimeout: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"missing listen", func(c *Config) { c.ListenAddress = "" }, sigilerrors.ErrInvalidAddress},
		{"malformed remote", func(c *Config) { c.RemoteAddress = "localhost" }, sigilerrors.ErrInvalidAddress},
		{"port out of range", func(c *Config) { c.ListenAddress = "127.0.0.1:70000" }, sigilerrors.ErrInvalidAddress},
		{"no relays", func(c *Config) { c.TCP = false }, sigilerrors.ErrNoRelays},
		{"bad udp address", func(c *Config) {
			c.UDP = true
			c.UDPRemoteAddress = "nope"
		}, sigilerrors.ErrInvalidAddress},
		{"udp only ignores tcp", func(c *Config) {
			c.TCP = false
			c.UDP = true
		}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"udp mode":        func(c *Config) { c.UDP = true; c.UDPMode = "broadcast" },
		"reply timeout":   func(c *Config) { c.UDPReplyTimeout = -time.Second },
		"max connections": func(c *Config) { c.MaxConnections = -1 },
		"client rate":     func(c *Config) { c.ClientRate = -1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestForwarder(t *testing.T) {
	cfg := validConfig()
	cfg.UDP = true
	cfg.UDPListenAddress = "127.0.0.1:5353"
	cfg.UDPMode = "session"
	cfg.UDPMaxSessions = 8
	cfg.MaxConnections = 100
	cfg.FailFast = true

	fc, err := cfg.Forwarder(nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if fc.Policy != forwarder.PolicyFailFast {
		t.Errorf("Expected fail-fast policy, got %s", fc.Policy)
	}
	if fc.TCP == nil || fc.TCP.Address != "127.0.0.1:8080" || fc.TCP.MaxConnections != 100 {
		t.Errorf("Unexpected TCP config: %+v", fc.TCP)
	}
	if fc.UDP == nil {
		t.Fatal("Expected UDP config")
	}
	if fc.UDP.Address != "127.0.0.1:5353" {
		t.Errorf("Expected UDP listen override, got %q", fc.UDP.Address)
	}
	if fc.UDP.TargetAddress != "127.0.0.1:9090" {
		t.Errorf("Expected UDP remote to default to remote address, got %q", fc.UDP.TargetAddress)
	}
	if fc.UDP.Mode != udp.ModeSession || fc.UDP.MaxSessions != 8 {
		t.Errorf("Unexpected UDP mode settings: %+v", fc.UDP)
	}

	resolved := []struct {
		name string
		ep   endpoint.Endpoint
		kind endpoint.Kind
		want string
	}{
		{"tcp listen", fc.TCP.Listen, endpoint.TCP, "127.0.0.1:8080"},
		{"tcp remote", fc.TCP.Remote, endpoint.TCP, "127.0.0.1:9090"},
		{"udp listen", fc.UDP.Listen, endpoint.UDP, "127.0.0.1:5353"},
		{"udp remote", fc.UDP.Remote, endpoint.UDP, "127.0.0.1:9090"},
	}
	for _, r := range resolved {
		if r.ep.IsZero() {
			t.Errorf("Expected %s to be resolved", r.name)
			continue
		}
		if r.ep.Kind() != r.kind || r.ep.String() != r.want {
			t.Errorf("Expected %s %s %s, got %s %s", r.name, r.kind, r.want, r.ep.Kind(), r.ep)
		}
	}
}

func TestForwarder_Invalid(t *testing.T) {
	cfg := validConfig()
	cfg.RemoteAddress = ""
	if _, err := cfg.Forwarder(nil); !errors.Is(err, sigilerrors.ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
}

func TestRateLimiter(t *testing.T) {
	cfg := validConfig()
	if l := cfg.RateLimiter(); l != nil {
		t.Error("Expected no limiter when client rate is 0")
	}

	cfg.ClientRate = 5
	cfg.ClientBurst = 1
	l := cfg.RateLimiter()
	if l == nil {
		t.Fatal("Expected limiter")
	}
	defer l.Close()

	if !l.Allow("127.0.0.1:1") || l.Allow("127.0.0.1:2") {
		t.Error("Expected burst of 1 per host")
	}
}
