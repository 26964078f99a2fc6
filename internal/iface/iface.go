// Package iface implements VirtualInterface (spec §4.3): an L3
// point-to-point interface abstraction with three platform-specific
// backends selected by build tag — direct TUN on Linux, a broker client on
// Darwin, and a Wintun ring buffer on Windows.
package iface

import (
	"net"
	"net/netip"
)

// MTU is fixed at the WireGuard-recommended value; spec §4.3 treats it as a
// constant, not a configurable.
const MTU = 1420

// Device is the capability set TunnelSession depends on, uniform across all
// three platform variants.
type Device interface {
	// Name returns the interface's actual name, which on some platforms
	// (e.g. Darwin's utun) is chosen by the kernel, not the caller.
	Name() string

	// Read yields exactly one outbound inner IP datagram from the host.
	Read(buf []byte) (int, error)

	// Write delivers one inbound inner IP datagram to the host.
	Write(buf []byte) (int, error)

	// AddRoute installs a route for dest via this interface. "Route already
	// exists" is not an error.
	AddRoute(dest netip.Prefix) error

	// SetExitGateway installs the full-tunnel bypass of spec §4.3.
	SetExitGateway(excludeIP netip.Addr, hasExclude bool) error

	// RevertExitGateway removes whatever SetExitGateway installed.
	RevertExitGateway() error

	// Close tears down the interface.
	Close() error
}

// Config carries the parameters VirtualInterface.create() needs.
type Config struct {
	NameHint string
	Address  netip.Addr
	Netmask  net.IPMask
}
