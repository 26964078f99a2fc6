package session

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ple7mesh/meshagent/internal/config"
	"github.com/ple7mesh/meshagent/internal/logging"
)

// fakeDevice is a no-op iface.Device: Read blocks on a channel so the
// inner pump never busy-loops, and Close unblocks it.
type fakeDevice struct {
	name    string
	inbound chan []byte
	written [][]byte
	closed  chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{name: "fake0", inbound: make(chan []byte, 8), closed: make(chan struct{})}
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Read(buf []byte) (int, error) {
	select {
	case pkt := <-d.inbound:
		return copy(buf, pkt), nil
	case <-d.closed:
		return 0, net.ErrClosed
	case <-time.After(50 * time.Millisecond):
		return 0, net.ErrClosed
	}
}

func (d *fakeDevice) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	d.written = append(d.written, cp)
	return len(buf), nil
}

func (d *fakeDevice) AddRoute(netip.Prefix) error                { return nil }
func (d *fakeDevice) SetExitGateway(netip.Addr, bool) error      { return nil }
func (d *fakeDevice) RevertExitGateway() error                   { return nil }
func (d *fakeDevice) Close() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}

func genKeypair32(fill byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = fill
	}
	return k
}

func buildConfig() *config.TunnelConfig {
	peerA := config.PeerConfig{
		PublicKey:  genKeypair32(0xA1),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
	}
	peerB := config.PeerConfig{
		PublicKey:  genKeypair32(0xB1),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.3/32")},
	}
	return &config.TunnelConfig{Peers: []config.PeerConfig{peerA, peerB}}
}

func openLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}

func TestNew_rejectsEmptyPeerList(t *testing.T) {
	cfg := &config.TunnelConfig{}
	conn := openLoopbackConn(t)
	defer conn.Close()
	dev := newFakeDevice()

	_, err := New(cfg, make([]byte, 32), make([]byte, 32), conn, dev, logging.Nop{})
	if err != ErrNoPeers {
		t.Fatalf("got %v, want ErrNoPeers", err)
	}
}

func TestSelectOutboundPeer_ignoresAllowedIPsAndPicksFirstWithEndpoint(t *testing.T) {
	cfg := buildConfig()
	conn := openLoopbackConn(t)
	defer conn.Close()
	dev := newFakeDevice()

	s, err := New(cfg, make([]byte, 32), make([]byte, 32), conn, dev, logging.Nop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Peer B's AllowedIPs cover 10.0.0.3/32, but only peer A has a known
	// endpoint. Selection must still pick peer A: AllowedIPs play no part
	// in outbound peer selection.
	s.peers[0].setEndpoint(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51820})

	got := s.selectOutboundPeer(netip.MustParseAddr("10.0.0.3"))
	if got == nil || got.publicKey != cfg.Peers[0].PublicKey {
		t.Fatalf("expected peer A selected regardless of AllowedIPs")
	}
}

func TestSelectOutboundPeer_picksFirstConfiguredPeerWithEndpoint(t *testing.T) {
	cfg := buildConfig()
	conn := openLoopbackConn(t)
	defer conn.Close()
	dev := newFakeDevice()

	s, err := New(cfg, make([]byte, 32), make([]byte, 32), conn, dev, logging.Nop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.peers[1].setEndpoint(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 51821})

	got := s.selectOutboundPeer(netip.MustParseAddr("192.168.9.9"))
	if got == nil || got.publicKey != cfg.Peers[1].PublicKey {
		t.Fatalf("expected the only peer with a known endpoint")
	}
}

func TestFindPeer_matchesByPublicKey(t *testing.T) {
	cfg := buildConfig()
	conn := openLoopbackConn(t)
	defer conn.Close()
	dev := newFakeDevice()

	s, err := New(cfg, make([]byte, 32), make([]byte, 32), conn, dev, logging.Nop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := cfg.Peers[0].PublicKey
	p := s.findPeer(key[:])
	if p == nil {
		t.Fatalf("expected to find peer by public key")
	}
	if p := s.findPeer(make([]byte, 32)); p != nil {
		t.Fatalf("expected no match for an unrelated key")
	}
}

func TestOnPeerEndpointUpdate_updatesMatchingPeer(t *testing.T) {
	cfg := buildConfig()
	conn := openLoopbackConn(t)
	defer conn.Close()
	dev := newFakeDevice()

	s, err := New(cfg, make([]byte, 32), make([]byte, 32), conn, dev, logging.Nop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := cfg.Peers[0].PublicKey
	s.OnPeerEndpointUpdate("device-a", key[:], "127.0.0.1:51999")

	addr := s.peers[0].currentEndpoint()
	if addr == nil || addr.Port != 51999 {
		t.Fatalf("endpoint not updated: %v", addr)
	}
}

func TestSnapshot_aggregatesAcrossPeers(t *testing.T) {
	cfg := buildConfig()
	conn := openLoopbackConn(t)
	defer conn.Close()
	dev := newFakeDevice()

	s, err := New(cfg, make([]byte, 32), make([]byte, 32), conn, dev, logging.Nop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.peers[0].txBytes.Add(100)
	s.peers[1].rxBytes.Add(50)

	snap := s.Snapshot()
	if snap.TxBytesTotal != 100 || snap.RxBytesTotal != 50 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.ConnectedPeers != 0 {
		t.Fatalf("expected 0 connected peers before any handshake, got %d", snap.ConnectedPeers)
	}
}

// buildIPv4Packet serializes a realistic IPv4 header, the way the teacher's
// retrieval pack builds test packets with gopacket/layers rather than
// hand-indexing a byte slice.
func buildIPv4Packet(t *testing.T, dst netip.Addr, payload []byte) []byte {
	t.Helper()
	ipLayer := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IP(dst.AsSlice()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ipLayer, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize ipv4 packet: %v", err)
	}
	return buf.Bytes()
}

func TestParseIPv4Dest_matchesSerializedHeader(t *testing.T) {
	want := netip.MustParseAddr("10.0.0.3")
	packet := buildIPv4Packet(t, want, []byte("payload"))

	got := parseIPv4Dest(packet)
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestStartStop_isIdempotentAndBounded(t *testing.T) {
	cfg := buildConfig()
	conn := openLoopbackConn(t)
	defer conn.Close()
	dev := newFakeDevice()

	s, err := New(cfg, make([]byte, 32), make([]byte, 32), conn, dev, logging.Nop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	start := time.Now()
	s.Stop()
	s.Stop() // idempotent
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Stop took too long: %s", elapsed)
	}
}
