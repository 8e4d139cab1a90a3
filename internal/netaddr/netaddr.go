// Package netaddr parses and opens listen addresses for the Listener /
// Dispatcher (SPEC_FULL.md §4.7). It is a trimmed adaptation of the teacher's
// caddy.NetworkAddress: the same "network/host:port" parsing and Listen
// semantics, with QUIC, socket-activation (fd/fdname), and network-interface
// binding stripped out since SPEC_FULL.md's dispatcher only ever needs plain
// TCP (and, for completeness, Unix domain sockets) — this is an HTTP(S)
// front end, not a generic socket framework.
package netaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a parsed listen address: a network kind, a host, and a port.
type Address struct {
	Network string
	Host    string
	Port    int
}

func (a Address) String() string {
	if a.Network == "unix" {
		return "unix/" + a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) IsUnix() bool { return a.Network == "unix" }

// Parse parses addr of the form "[network/]host:port" (network defaults to
// "tcp"; port-less unix socket paths are written "unix//path/to.sock").
func Parse(addr string) (Address, error) {
	network := "tcp"
	if before, after, found := strings.Cut(addr, "/"); found {
		network = strings.ToLower(strings.TrimSpace(before))
		addr = after
	}

	if network == "unix" || network == "unixpacket" {
		return Address{Network: network, Host: addr}, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in %q", addr)
	}
	return Address{Network: network, Host: host, Port: port}, nil
}

// Listen opens a net.Listener for a, honoring ctx cancellation during the
// dial/bind the same way the teacher's NetworkAddress.Listen takes a
// context so startup can be aborted cleanly.
func (a Address) Listen(ctx context.Context, cfg net.ListenConfig) (net.Listener, error) {
	if ctx == nil {
		return nil, errors.New("netaddr: nil context")
	}
	switch a.Network {
	case "unix", "unixpacket":
		return cfg.Listen(ctx, a.Network, a.Host)
	default:
		return cfg.Listen(ctx, "tcp", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
	}
}
