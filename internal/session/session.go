// Package session implements TunnelSession (spec §4.6): one VirtualInterface,
// one UDP socket, and a peer map driven by three cooperative pumps. Modeled
// on the teacher's session-plane packages, generalized from a client/server
// split to mesh peers that can both send and receive on every CryptoSession.
package session

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/ple7mesh/meshagent/internal/config"
	"github.com/ple7mesh/meshagent/internal/crypto"
	"github.com/ple7mesh/meshagent/internal/iface"
	"github.com/ple7mesh/meshagent/internal/logging"
	"github.com/ple7mesh/meshagent/internal/metrics"
)

// udpPollTimeout bounds each UDP receive so the pump can observe the
// running flag dropping within one poll interval (spec §5).
const udpPollTimeout = 100 * time.Millisecond

// timerInterval is the cadence of the timer pump (spec §4.6 item 3).
const timerInterval = 25 * time.Second

// TunnelSession owns the data plane for one tunnel instance.
type TunnelSession struct {
	dev  iface.Device
	conn *net.UDPConn
	log  logging.Logger

	peersMu sync.RWMutex
	peers   []*peer

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a TunnelSession for cfg, bound to conn and dev. Neither conn
// nor dev is opened by this constructor; the caller (orchestrator) owns
// their lifecycle.
func New(cfg *config.TunnelConfig, localPrivKey, localPubKey []byte, conn *net.UDPConn, dev iface.Device, log logging.Logger) (*TunnelSession, error) {
	if len(cfg.Peers) == 0 {
		return nil, ErrNoPeers
	}
	if log == nil {
		log = logging.Nop{}
	}

	s := &TunnelSession{dev: dev, conn: conn, log: log, stopCh: make(chan struct{})}
	for _, pc := range cfg.Peers {
		p := &peer{
			publicKey:           pc.PublicKey,
			crypto:              crypto.NewSession(localPubKey, localPrivKey, pc.PublicKey[:], log),
			allowedIPs:          pc.AllowedIPs,
			persistentKeepalive: time.Duration(pc.PersistentKeepalive) * time.Second,
		}
		if pc.Endpoint.IsValid() {
			p.setEndpoint(net.UDPAddrFromAddrPort(pc.Endpoint))
		}
		s.peers = append(s.peers, p)
	}
	return s, nil
}

// Start launches the three pumps. It returns immediately; pumps run until
// Stop is called.
func (s *TunnelSession) Start(ctx context.Context) {
	s.running.Store(true)
	s.wg.Add(3)
	go s.udpPump(ctx)
	go s.innerPump(ctx)
	go s.timerPump(ctx)

	// Issue an initial handshake-initiation to every peer with a known
	// endpoint (spec §4.7 Handshaking state).
	s.peersMu.RLock()
	peers := append([]*peer(nil), s.peers...)
	s.peersMu.RUnlock()
	for _, p := range peers {
		if addr := p.currentEndpoint(); addr != nil {
			if msg, err := p.crypto.FormatInitiation(); err == nil {
				_, _ = s.conn.WriteToUDP(msg, addr)
			}
		}
	}
}

// Stop idempotently halts all pumps and waits for them to exit. It does not
// close conn or dev; the caller tears those down separately.
func (s *TunnelSession) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()

	s.peersMu.Lock()
	for _, p := range s.peers {
		p.crypto.Close()
	}
	s.peersMu.Unlock()
}

func (s *TunnelSession) udpPump(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 65536)

	for s.running.Load() {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(udpPollTimeout))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}

		s.handleDatagram(buf[:n], from)
	}
}

func (s *TunnelSession) handleDatagram(datagram []byte, from *net.UDPAddr) {
	s.peersMu.RLock()
	var matched *peer
	var outcome crypto.Outcome
	for _, p := range s.peers {
		oc, err := p.crypto.Decapsulate(datagram)
		if err != nil || oc.Kind == crypto.Drop {
			continue
		}
		matched, outcome = p, oc
		break
	}
	s.peersMu.RUnlock()

	if matched == nil {
		return
	}

	matched.setEndpoint(from)

	switch outcome.Kind {
	case crypto.InnerV4:
		matched.rxBytes.Add(uint64(len(outcome.Bytes)))
		metrics.RxBytesTotal.Add(len(outcome.Bytes))
		_, _ = s.dev.Write(outcome.Bytes) // released peer-map lock before this I/O
	case crypto.Reply:
		_, _ = s.conn.WriteToUDP(outcome.Bytes, from)
	case crypto.HandshakeComplete:
		metrics.HandshakesTotal.Inc()
		// last_handshake_at already updated inside crypto.Session.
	case crypto.InnerV6, crypto.Drop:
		// fall through, nothing to deliver
	}
}

func (s *TunnelSession) innerPump(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, iface.MTU+64)

	for s.running.Load() {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.dev.Read(buf)
		if err != nil {
			continue
		}
		if n < ipv4.HeaderLen {
			continue // fail closed on a packet too short for an IPv4 header
		}

		packet := append([]byte(nil), buf[:n]...)
		dst := parseIPv4Dest(packet)

		p := s.selectOutboundPeer(dst)
		if p == nil {
			continue
		}
		addr := p.currentEndpoint()
		if addr == nil {
			continue
		}

		ciphertext, ok := p.crypto.Encapsulate(packet)
		if !ok {
			continue
		}
		if _, err := s.conn.WriteToUDP(ciphertext, addr); err == nil {
			p.txBytes.Add(uint64(len(packet)))
			metrics.TxBytesTotal.Add(len(packet))
		}
	}
}

// parseIPv4Dest reads the destination address out of bytes 16-19 of an IPv4
// header, the same fixed offset the original wireguard.rs packet router uses
// rather than walking IHL-derived option bytes it never needs.
func parseIPv4Dest(packet []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{packet[16], packet[17], packet[18], packet[19]})
}

// selectOutboundPeer is deliberately unresolved beyond the literal spec
// behavior: the first peer, in configuration order, with a known endpoint.
// AllowedIPs-based routing is an open question the spec leaves to future
// work, not something this implementation guesses at.
func (s *TunnelSession) selectOutboundPeer(_ netip.Addr) *peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	for _, p := range s.peers {
		if p.currentEndpoint() != nil {
			return p
		}
	}
	return nil
}

func (s *TunnelSession) timerPump(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(timerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.running.Load() {
				return
			}
			s.tickPeers()
		}
	}
}

func (s *TunnelSession) tickPeers() {
	s.peersMu.RLock()
	peers := append([]*peer(nil), s.peers...)
	s.peersMu.RUnlock()

	for _, p := range peers {
		msg, ok := p.crypto.UpdateTimers()
		if !ok {
			continue
		}
		addr := p.currentEndpoint()
		if addr == nil {
			continue
		}
		_, _ = s.conn.WriteToUDP(msg, addr)
	}
}

// OnPeerEndpointUpdate implements controlchannel.Handler.
func (s *TunnelSession) OnPeerEndpointUpdate(_ string, publicKey []byte, endpoint string) {
	addr, err := net.ResolveUDPAddr("udp4", endpoint)
	if err != nil {
		return
	}
	if p := s.findPeer(publicKey); p != nil {
		p.setEndpoint(addr)
	}
}

// OnPeerOnline implements controlchannel.Handler; it eagerly re-handshakes.
func (s *TunnelSession) OnPeerOnline(_ string, publicKey []byte) {
	p := s.findPeer(publicKey)
	if p == nil {
		return
	}
	addr := p.currentEndpoint()
	if addr == nil {
		return
	}
	if msg, err := p.crypto.FormatInitiation(); err == nil {
		_, _ = s.conn.WriteToUDP(msg, addr)
	}
}

// OnPeerOffline implements controlchannel.Handler; advisory only.
func (s *TunnelSession) OnPeerOffline(_ string) {}

// OnNetworkConfigUpdate implements controlchannel.Handler; advisory only,
// the orchestrator decides whether to refetch configuration.
func (s *TunnelSession) OnNetworkConfigUpdate(_ string) {}

func (s *TunnelSession) findPeer(publicKey []byte) *peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	for _, p := range s.peers {
		if len(publicKey) == len(p.publicKey) && constantTimeEqual(p.publicKey[:], publicKey) {
			return p
		}
	}
	return nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
