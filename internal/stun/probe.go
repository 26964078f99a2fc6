// Package stun implements StunProbe (spec §4.4): an RFC 5389 Binding
// Request against a short list of public servers, used to learn the
// socket's reflexive public address before the tunnel starts forwarding.
package stun

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// PerServerTimeout bounds each attempt; on expiry the probe falls through
// to the next server in Servers.
const PerServerTimeout = 3 * time.Second

// Servers is the default ordered list of public STUN servers probed,
// grounded on the original stun.rs STUN_SERVERS table.
var Servers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
	"stun.cloudflare.com:3478",
	"stun.stunprotocol.org:3478",
}

// Probe performs Binding Requests on conn against Servers, in order,
// returning the first reflexive address discovered. conn is the same
// socket the caller will subsequently use for tunnel transport, so the
// reflexive address is directly usable as a peer-visible endpoint.
func Probe(conn *net.UDPConn) (*net.UDPAddr, error) {
	return ProbeServers(conn, Servers)
}

// ProbeServers is Probe with an explicit server list, used by tests to
// inject unreachable or stub servers.
func ProbeServers(conn *net.UDPConn, servers []string) (*net.UDPAddr, error) {
	var lastErr error
	for _, server := range servers {
		addr, err := queryServer(conn, server)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrStunFailure, lastErr)
	}
	return nil, ErrStunFailure
}

func queryServer(conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := resolve(server)
	if err != nil {
		return nil, fmt.Errorf("stun: resolve %s: %w", server, err)
	}

	msg, err := stun.Build(stun.BindingRequest, stun.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("stun: build request: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(PerServerTimeout)); err != nil {
		return nil, fmt.Errorf("stun: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteToUDP(msg.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("stun: send to %s: %w", server, err)
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("stun: recv from %s: %w", server, err)
	}

	res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
	if err := res.Decode(); err != nil {
		return nil, fmt.Errorf("stun: decode response from %s: %w", server, err)
	}
	if res.TransactionID != msg.TransactionID {
		return nil, fmt.Errorf("stun: transaction id mismatch from %s", server)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}

	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}

	return nil, fmt.Errorf("stun: no mapped address in response from %s", server)
}

func resolve(server string) (*net.UDPAddr, error) {
	if addr, err := net.ResolveUDPAddr("udp4", server); err == nil {
		return addr, nil
	}
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return nil, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%s", ip4, port))
		}
	}
	return nil, fmt.Errorf("no ipv4 address for %s", host)
}
