package config

import (
	"encoding/base64"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

const (
	sectionNone = iota
	sectionInterface
	sectionPeer
)

// Parse decodes a WireGuard INI-style configuration text per spec §4.1.
// It is line-oriented and case-sensitive on section markers and keys, the
// same way the original Rust parser (wireguard.rs::parse_wg_config) walks
// the text by hand rather than through a generic INI library, so that the
// result is bit-exact with wg-quick's own dialect.
func Parse(text string) (*TunnelConfig, error) {
	var (
		cfg           TunnelConfig
		haveAddress   bool
		havePrivate   bool
		section       = sectionNone
		current       *PeerConfig
	)
	cfg.Netmask = net.CIDRMask(24, 32)

	flush := func() {
		if current != nil {
			cfg.Peers = append(cfg.Peers, *current)
			current = nil
		}
	}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "[Interface]" {
			flush()
			section = sectionInterface
			continue
		}
		if line == "[Peer]" {
			flush()
			section = sectionPeer
			current = &PeerConfig{}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch section {
		case sectionInterface:
			if err := parseInterfaceKey(&cfg, key, value, &haveAddress, &havePrivate); err != nil {
				return nil, err
			}
		case sectionPeer:
			if current == nil {
				continue
			}
			if err := parsePeerKey(current, key, value); err != nil {
				return nil, err
			}
		}
	}
	flush()

	if !havePrivate {
		return nil, &ParseError{Missing: "PrivateKey"}
	}
	if !haveAddress {
		return nil, &ParseError{Missing: "Address"}
	}
	return &cfg, nil
}

func parseInterfaceKey(cfg *TunnelConfig, key, value string, haveAddress, havePrivate *bool) error {
	switch key {
	case "PrivateKey":
		k, err := decodeKey32(value)
		if err != nil {
			return &ParseError{Key: "PrivateKey", Reason: err.Error()}
		}
		cfg.PrivateKey = k
		*havePrivate = true
	case "Address":
		addr, mask, err := parseAddress(value)
		if err != nil {
			return &ParseError{Key: "Address", Reason: err.Error()}
		}
		cfg.Address = addr
		cfg.Netmask = mask
		*haveAddress = true
	case "DNS":
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is4() {
			return &ParseError{Key: "DNS", Reason: "must be an IPv4 address"}
		}
		cfg.DNS = addr
	case "ListenPort":
		p, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return &ParseError{Key: "ListenPort", Reason: err.Error()}
		}
		cfg.ListenPort = uint16(p)
	default:
		// unknown keys are ignored for forward compatibility
	}
	return nil
}

func parsePeerKey(peer *PeerConfig, key, value string) error {
	switch key {
	case "PublicKey":
		k, err := decodeKey32(value)
		if err != nil {
			return &ParseError{Key: "PublicKey", Reason: err.Error()}
		}
		peer.PublicKey = k
	case "Endpoint":
		ep, err := netip.ParseAddrPort(value)
		if err != nil || !ep.Addr().Is4() {
			return &ParseError{Key: "Endpoint", Reason: "must be <ipv4>:<port>"}
		}
		peer.Endpoint = ep
	case "AllowedIPs":
		peer.AllowedIPs = parseAllowedIPs(value)
	case "PersistentKeepalive":
		p, err := strconv.ParseUint(value, 10, 32)
		if err != nil || p < 1 || p > 65535 {
			return &ParseError{Key: "PersistentKeepalive", Reason: "must be in [1, 65535]"}
		}
		peer.PersistentKeepalive = uint16(p)
	case "PresharedKey":
		k, err := decodeKey32(value)
		if err != nil {
			return &ParseError{Key: "PresharedKey", Reason: err.Error()}
		}
		peer.PresharedKey = k
		peer.HasPresharedKey = true
	default:
		// unknown keys are ignored for forward compatibility
	}
	return nil
}

// parseAllowedIPs drops IPv6 entries and malformed tokens silently, per
// spec §4.1 and testable property P2.
func parseAllowedIPs(value string) []netip.Prefix {
	var out []netip.Prefix
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" || strings.Contains(tok, ":") {
			continue
		}
		prefix, err := parseCIDRDefault32(tok)
		if err != nil {
			continue
		}
		out = append(out, prefix)
	}
	return out
}

func parseCIDRDefault32(tok string) (netip.Prefix, error) {
	if !strings.Contains(tok, "/") {
		addr, err := netip.ParseAddr(tok)
		if err != nil || !addr.Is4() {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, 32), nil
	}
	prefix, err := netip.ParsePrefix(tok)
	if err != nil || !prefix.Addr().Is4() {
		return netip.Prefix{}, err
	}
	return prefix, nil
}

func parseAddress(value string) (netip.Addr, net.IPMask, error) {
	addrPart, prefixPart, hasPrefix := strings.Cut(value, "/")
	addr, err := netip.ParseAddr(addrPart)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, nil, &ParseError{Reason: "address must be IPv4"}
	}
	prefixLen := 24
	if hasPrefix {
		n, err := strconv.Atoi(prefixPart)
		if err != nil || n < 0 || n > 32 {
			return netip.Addr{}, nil, &ParseError{Reason: "invalid CIDR prefix"}
		}
		prefixLen = n
	}
	return addr, net.CIDRMask(prefixLen, 32), nil
}

func decodeKey32(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, errKeyLength
	}
	copy(out[:], raw)
	return out, nil
}

var errKeyLength = &ParseError{Reason: "key must decode to exactly 32 bytes"}
