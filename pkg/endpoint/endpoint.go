// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint resolves textual host:port strings into addresses the relays can use.
package endpoint

import (
	"fmt"
	"net"
	"strconv"

	"github.com/HeilAsuka/Sigil/pkg/errors"
)

// Kind is the transport an endpoint is used with.
type Kind int

const (
	// TCP is a connection-oriented endpoint.
	TCP Kind = iota

	// UDP is a datagram endpoint.
	UDP
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Network returns the network name understood by the net package.
func (k Kind) Network() string {
	return k.String()
}

// Endpoint is a resolved address together with its transport. It is immutable.
type Endpoint struct {
	kind    Kind
	address string
	addr    net.Addr
}

// Kind returns the endpoint transport.
func (e Endpoint) Kind() Kind {
	return e.kind
}

// Network returns "tcp" or "udp".
func (e Endpoint) Network() string {
	return e.kind.Network()
}

// Addr returns the resolved address (*net.TCPAddr or *net.UDPAddr).
func (e Endpoint) Addr() net.Addr {
	return e.addr
}

// Address returns the address as originally configured.
func (e Endpoint) Address() string {
	return e.address
}

// String returns the resolved address.
func (e Endpoint) String() string {
	if e.addr == nil {
		return e.address
	}
	return e.addr.String()
}

// Resolve parses address as host:port and resolves it for the given transport.
// An empty host is allowed and means all local interfaces.
func Resolve(kind Kind, address string) (Endpoint, error) {
	if err := Validate(address); err != nil {
		return Endpoint{}, err
	}

	var (
		addr net.Addr
		err  error
	)
	switch kind {
	case TCP:
		addr, err = net.ResolveTCPAddr("tcp", address)
	case UDP:
		addr, err = net.ResolveUDPAddr("udp", address)
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported transport %d", errors.ErrInvalidAddress, kind)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s: %v", errors.ErrInvalidAddress, address, err)
	}

	return Endpoint{kind: kind, address: address, addr: addr}, nil
}

// IsZero reports whether e is unset.
func (e Endpoint) IsZero() bool {
	return e.addr == nil
}

// Ensure returns ep when it is already resolved, and otherwise resolves
// address. A resolved ep of another transport is rejected.
func Ensure(kind Kind, ep Endpoint, address string) (Endpoint, error) {
	if ep.IsZero() {
		return Resolve(kind, address)
	}
	if ep.kind != kind {
		return Endpoint{}, fmt.Errorf("%w: %s is a %s endpoint, want %s", errors.ErrInvalidAddress, ep, ep.kind, kind)
	}
	return ep, nil
}

// Validate checks the host:port syntax of address without resolving it.
func Validate(address string) error {
	if address == "" {
		return fmt.Errorf("%w: empty address", errors.ErrInvalidAddress)
	}
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrInvalidAddress, address, err)
	}
	if port == "" {
		return fmt.Errorf("%w: %s: missing port", errors.ErrInvalidAddress, address)
	}
	if n, err := strconv.Atoi(port); err == nil && (n < 0 || n > 65535) {
		return fmt.Errorf("%w: %s: port out of range", errors.ErrInvalidAddress, address)
	}
	return nil
}
