package config

import (
	"encoding/base64"
	"net"
	"net/netip"
	"strings"
	"testing"
)

func b64of32(fill byte) string {
	var raw [32]byte
	for i := range raw {
		raw[i] = fill
	}
	return base64.StdEncoding.EncodeToString(raw[:])
}

func sampleDoc() string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = " + b64of32(0x01) + "\n")
	b.WriteString("Address = 10.6.0.2/24\n")
	b.WriteString("DNS = 10.6.0.1\n")
	b.WriteString("ListenPort = 51821\n")
	b.WriteString("\n[Peer]\n")
	b.WriteString("PublicKey = " + b64of32(0x02) + "\n")
	b.WriteString("Endpoint = 203.0.113.5:51820\n")
	b.WriteString("AllowedIPs = 10.6.0.0/24, 0.0.0.0/0\n")
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

func TestParse_wellFormedDocument(t *testing.T) {
	cfg, err := Parse(sampleDoc())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Address != netip.MustParseAddr("10.6.0.2") {
		t.Fatalf("Address: got %v", cfg.Address)
	}
	ones, _ := cfg.Netmask.Size()
	if ones != 24 {
		t.Fatalf("Netmask: got /%d, want /24", ones)
	}
	if cfg.DNS != netip.MustParseAddr("10.6.0.1") {
		t.Fatalf("DNS: got %v", cfg.DNS)
	}
	if cfg.ListenPort != 51821 {
		t.Fatalf("ListenPort: got %d", cfg.ListenPort)
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("want 1 peer, got %d", len(cfg.Peers))
	}
	peer := cfg.Peers[0]
	if !peer.Endpoint.IsValid() || peer.Endpoint.Port() != 51820 {
		t.Fatalf("Endpoint: got %v", peer.Endpoint)
	}
	if len(peer.AllowedIPs) != 2 {
		t.Fatalf("AllowedIPs: got %d entries", len(peer.AllowedIPs))
	}
	if peer.PersistentKeepalive != 25 {
		t.Fatalf("PersistentKeepalive: got %d", peer.PersistentKeepalive)
	}
}

// P1: Parse(Serialize(cfg)) reproduces cfg.
func TestRoundTrip_parseOfSerializeReproducesConfig(t *testing.T) {
	original, err := Parse(sampleDoc())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	roundTripped, err := Parse(Serialize(original))
	if err != nil {
		t.Fatalf("Parse(Serialize(cfg)): %v", err)
	}

	if roundTripped.PrivateKey != original.PrivateKey {
		t.Fatalf("PrivateKey mismatch after round-trip")
	}
	if roundTripped.Address != original.Address {
		t.Fatalf("Address mismatch after round-trip")
	}
	oOnes, _ := original.Netmask.Size()
	rOnes, _ := roundTripped.Netmask.Size()
	if oOnes != rOnes {
		t.Fatalf("Netmask mismatch after round-trip: %d vs %d", oOnes, rOnes)
	}
	if roundTripped.DNS != original.DNS {
		t.Fatalf("DNS mismatch after round-trip")
	}
	if roundTripped.ListenPort != original.ListenPort {
		t.Fatalf("ListenPort mismatch after round-trip")
	}
	if len(roundTripped.Peers) != len(original.Peers) {
		t.Fatalf("Peers length mismatch after round-trip")
	}
	op, rp := original.Peers[0], roundTripped.Peers[0]
	if op.PublicKey != rp.PublicKey {
		t.Fatalf("PublicKey mismatch after round-trip")
	}
	if op.Endpoint != rp.Endpoint {
		t.Fatalf("Endpoint mismatch after round-trip")
	}
	if len(op.AllowedIPs) != len(rp.AllowedIPs) {
		t.Fatalf("AllowedIPs length mismatch after round-trip")
	}
	for i := range op.AllowedIPs {
		if op.AllowedIPs[i] != rp.AllowedIPs[i] {
			t.Fatalf("AllowedIPs[%d] mismatch: %v vs %v", i, op.AllowedIPs[i], rp.AllowedIPs[i])
		}
	}
	if op.PersistentKeepalive != rp.PersistentKeepalive {
		t.Fatalf("PersistentKeepalive mismatch after round-trip")
	}
}

func TestRoundTrip_presharedKeyAndNoOptionalFields(t *testing.T) {
	cfg := &TunnelConfig{
		PrivateKey: [32]byte{0xAA},
		Address:    netip.MustParseAddr("192.168.4.2"),
		Netmask:    net.CIDRMask(32, 32),
		Peers: []PeerConfig{
			{
				PublicKey:       [32]byte{0xBB},
				HasPresharedKey: true,
				PresharedKey:    [32]byte{0xCC},
			},
		},
	}

	roundTripped, err := Parse(Serialize(cfg))
	if err != nil {
		t.Fatalf("Parse(Serialize(cfg)): %v", err)
	}
	if roundTripped.DNS.IsValid() {
		t.Fatalf("DNS should remain absent, got %v", roundTripped.DNS)
	}
	if roundTripped.ListenPort != 0 {
		t.Fatalf("ListenPort should remain 0 (auto), got %d", roundTripped.ListenPort)
	}
	if roundTripped.Peers[0].Endpoint.IsValid() {
		t.Fatalf("Endpoint should remain absent")
	}
	if !roundTripped.Peers[0].HasPresharedKey {
		t.Fatalf("HasPresharedKey should survive round-trip")
	}
	if roundTripped.Peers[0].PresharedKey != cfg.Peers[0].PresharedKey {
		t.Fatalf("PresharedKey mismatch after round-trip")
	}
}

// P2: malformed or IPv6 AllowedIPs entries are dropped silently, not fatal.
func TestParse_allowedIPs_dropsIPv6AndMalformedEntries(t *testing.T) {
	doc := "[Interface]\n" +
		"PrivateKey = " + b64of32(0x03) + "\n" +
		"Address = 10.0.0.2/24\n" +
		"\n[Peer]\n" +
		"PublicKey = " + b64of32(0x04) + "\n" +
		"AllowedIPs = 10.0.0.0/24, fe80::1/64, not-a-cidr, 192.168.1.1\n"

	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := cfg.Peers[0].AllowedIPs
	if len(got) != 2 {
		t.Fatalf("want 2 surviving AllowedIPs entries, got %d: %v", len(got), got)
	}
	if got[0].String() != "10.0.0.0/24" {
		t.Fatalf("got[0]: want 10.0.0.0/24, got %v", got[0])
	}
	if got[1].String() != "192.168.1.1/32" {
		t.Fatalf("got[1]: want 192.168.1.1/32, got %v", got[1])
	}
}

// Scenario from spec §8: a document missing PrivateKey yields
// ParseError{Missing: "PrivateKey"}.
func TestParse_missingPrivateKey(t *testing.T) {
	doc := "[Interface]\n" +
		"Address = 10.0.0.2/24\n"

	_, err := Parse(doc)
	if err == nil {
		t.Fatal("expected error for missing PrivateKey")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Missing != "PrivateKey" {
		t.Fatalf("Missing: got %q, want %q", pe.Missing, "PrivateKey")
	}
}

func TestParse_missingAddress(t *testing.T) {
	doc := "[Interface]\n" +
		"PrivateKey = " + b64of32(0x05) + "\n"

	_, err := Parse(doc)
	if err == nil {
		t.Fatal("expected error for missing Address")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Missing != "Address" {
		t.Fatalf("Missing: got %q, want %q", pe.Missing, "Address")
	}
}

func TestParse_invalidKeyLength(t *testing.T) {
	doc := "[Interface]\n" +
		"PrivateKey = " + base64.StdEncoding.EncodeToString([]byte("tooshort")) + "\n" +
		"Address = 10.0.0.2/24\n"

	_, err := Parse(doc)
	if err == nil {
		t.Fatal("expected error for short PrivateKey")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Key != "PrivateKey" {
		t.Fatalf("Key: got %q, want %q", pe.Key, "PrivateKey")
	}
}

func TestParse_ignoresUnknownKeysAndComments(t *testing.T) {
	doc := "# a top-of-file comment\n" +
		"[Interface]\n" +
		"PrivateKey = " + b64of32(0x06) + "\n" +
		"Address = 10.0.0.2/24\n" +
		"MysteryField = whatever\n" +
		"\n[Peer]\n" +
		"PublicKey = " + b64of32(0x07) + "\n" +
		"# peer comment\n" +
		"FutureOption = 1\n"

	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("want 1 peer, got %d", len(cfg.Peers))
	}
}

func TestParse_multiplePeers(t *testing.T) {
	doc := "[Interface]\n" +
		"PrivateKey = " + b64of32(0x08) + "\n" +
		"Address = 10.0.0.2/24\n" +
		"\n[Peer]\n" +
		"PublicKey = " + b64of32(0x09) + "\n" +
		"\n[Peer]\n" +
		"PublicKey = " + b64of32(0x0A) + "\n"

	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("want 2 peers, got %d", len(cfg.Peers))
	}
}

func TestParse_defaultNetmaskWhenAddressHasNoPrefix(t *testing.T) {
	doc := "[Interface]\n" +
		"PrivateKey = " + b64of32(0x0B) + "\n" +
		"Address = 10.0.0.2\n"

	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ones, _ := cfg.Netmask.Size()
	if ones != 24 {
		t.Fatalf("default netmask: got /%d, want /24", ones)
	}
}

func TestSelectListenPort_autoSelectBindsConcretePort(t *testing.T) {
	conn, err := SelectListenPort(0)
	if err != nil {
		t.Fatalf("unexpected error selecting an auto port: %v", err)
	}
	defer conn.Close()
	if conn.LocalAddr().(*net.UDPAddr).Port == 0 {
		t.Fatalf("expected a concrete bound port, got 0")
	}
}
