// Package config parses the WireGuard INI configuration dialect described
// in spec §4.1, producing the data model of spec §3.
package config

import (
	"net"
	"net/netip"
)

// TunnelConfig is the parsed [Interface]/[Peer] document for one tunnel.
type TunnelConfig struct {
	PrivateKey [32]byte
	Address    netip.Addr
	Netmask    net.IPMask
	DNS        netip.Addr // zero value if absent
	ListenPort uint16     // 0 means "auto-select", see SelectListenPort
	Peers      []PeerConfig
}

// PeerConfig is one [Peer] section.
type PeerConfig struct {
	PublicKey           [32]byte
	Endpoint             netip.AddrPort // IsValid() false if absent
	AllowedIPs           []netip.Prefix
	PersistentKeepalive  uint16 // 0 means disabled
	PresharedKey         [32]byte
	HasPresharedKey      bool
}

// ParseError reports a malformed or incomplete configuration document.
type ParseError struct {
	Missing string // name of the required key that was absent, if any
	Key     string // name of the key that failed to decode, if any
	Reason  string
}

func (e *ParseError) Error() string {
	switch {
	case e.Missing != "":
		return "config: missing required key " + e.Missing
	case e.Key != "":
		return "config: invalid value for " + e.Key + ": " + e.Reason
	default:
		return "config: " + e.Reason
	}
}
