package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
)

// Serialize renders cfg back into the WireGuard INI dialect, using only the
// supported key set. Parse(Serialize(cfg)) must reproduce cfg exactly
// (testable property P1); this is why Serialize never round-trips through
// any field Parse does not itself populate.
func Serialize(cfg *TunnelConfig) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", base64.StdEncoding.EncodeToString(cfg.PrivateKey[:]))
	ones, _ := cfg.Netmask.Size()
	fmt.Fprintf(&b, "Address = %s/%d\n", cfg.Address, ones)
	if cfg.DNS.IsValid() {
		fmt.Fprintf(&b, "DNS = %s\n", cfg.DNS)
	}
	if cfg.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}

	for _, p := range cfg.Peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", base64.StdEncoding.EncodeToString(p.PublicKey[:]))
		if p.Endpoint.IsValid() {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if len(p.AllowedIPs) > 0 {
			parts := make([]string, len(p.AllowedIPs))
			for i, prefix := range p.AllowedIPs {
				parts[i] = prefix.String()
			}
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(parts, ", "))
		}
		if p.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
		if p.HasPresharedKey {
			fmt.Fprintf(&b, "PresharedKey = %s\n", base64.StdEncoding.EncodeToString(p.PresharedKey[:]))
		}
	}
	return b.String()
}

// listenPortRangeStart/End bound the auto-selection scan of spec §3.
const (
	listenPortRangeStart = 51820
	listenPortRangeEnd   = 51920
)

// SelectListenPort picks the first free UDP port in [51820, 51920], falling
// back to an ephemeral port (0, left to the OS) if none are free. Grounded
// on the original Rust implementation's find_available_port
// (desktop/src-tauri/src/wireguard.rs), generalized to return the bound
// *net.UDPConn so the caller never double-binds the winning port.
func SelectListenPort(requested uint16) (*net.UDPConn, error) {
	if requested != 0 {
		return net.ListenUDP("udp4", &net.UDPAddr{Port: int(requested)})
	}
	for port := listenPortRangeStart; port <= listenPortRangeEnd; port++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
}
