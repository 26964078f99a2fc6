package session

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/ple7mesh/meshagent/internal/crypto"
)

// peer is one PeerRuntime (spec §3): the CryptoSession plus the roaming
// endpoint and byte counters TunnelSession updates as traffic flows.
type peer struct {
	publicKey           [32]byte
	crypto              *crypto.Session
	allowedIPs          []netip.Prefix
	persistentKeepalive time.Duration

	endpoint atomic.Pointer[net.UDPAddr]
	txBytes  atomic.Uint64
	rxBytes  atomic.Uint64
}

func (p *peer) setEndpoint(addr *net.UDPAddr) {
	p.endpoint.Store(addr)
}

func (p *peer) currentEndpoint() *net.UDPAddr {
	return p.endpoint.Load()
}

func (p *peer) lastHandshakeAt() time.Time {
	return p.crypto.LastHandshakeAt()
}

func (p *peer) established() bool {
	return p.crypto.Established()
}
