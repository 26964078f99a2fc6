// Package crypto implements the per-peer CryptoSession of spec §4.2: a
// Noise-IK responder+initiator that can both send and receive
// handshake-initiation messages, wrapping github.com/flynn/noise the same
// way the teacher's server-side IK handshake does in
// infrastructure/cryptography/noise/ik_handshake.go. Unlike that
// client/server split, a mesh peer must be ready to play either Noise role
// on the same Session, since either side may originate the handshake.
package crypto

import (
	"fmt"
	"time"

	noiselib "github.com/flynn/noise"

	"github.com/ple7mesh/meshagent/internal/logging"
)

var cipherSuite = noiselib.NewCipherSuite(noiselib.DH25519, noiselib.CipherChaChaPoly, noiselib.HashBLAKE2s)

// envelope type tags, one byte, prepended to every UDP datagram this package
// emits or consumes.
const (
	tagInitiation byte = 1
	tagResponse   byte = 2
	tagTransport  byte = 3
)

// Rekey/keepalive cadence follow WireGuard's own defaults: a session is
// proactively rekeyed every two minutes, and a silent session emits an
// empty keepalive packet after the timer-pump's 25s cadence fires with
// nothing queued.
const (
	rekeyAfter     = 120 * time.Second
	keepaliveAfter = 25 * time.Second
)

// Session is the CryptoSession of spec §4.2 for exactly one peer.
type Session struct {
	localStatic noiselib.DHKey
	peerStatic  []byte
	log         logging.Logger

	pendingHS *noiselib.HandshakeState // set while we are the initiator awaiting msg2

	send *noiselib.CipherState // nil until a handshake completes
	recv *noiselib.CipherState

	lastHandshakeAt time.Time
	lastSendAt      time.Time
}

// NewSession builds a Session for one peer. localPrivKey/localPubKey are our
// own X25519 static keypair; peerPubKey is that peer's static public key,
// known ahead of time from the tunnel configuration (spec §3).
func NewSession(localPubKey, localPrivKey, peerPubKey []byte, log logging.Logger) *Session {
	if log == nil {
		log = logging.Nop{}
	}
	return &Session{
		localStatic: noiselib.DHKey{Private: localPrivKey, Public: localPubKey},
		peerStatic:  peerPubKey,
		log:         log,
	}
}

// Established reports whether transport keys exist, i.e. Encapsulate can
// produce ciphertext without first triggering a handshake.
func (s *Session) Established() bool {
	return s.send != nil && s.recv != nil
}

// LastHandshakeAt is the time transport keys were last (re)established, the
// zero Time if never.
func (s *Session) LastHandshakeAt() time.Time {
	return s.lastHandshakeAt
}

// FormatInitiation produces a handshake-initiation ciphertext as the Noise-IK
// initiator. The caller transmits it to the peer's current endpoint.
func (s *Session) FormatInitiation() ([]byte, error) {
	hs, err := noiselib.NewHandshakeState(noiselib.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noiselib.HandshakeIK,
		Initiator:     true,
		StaticKeypair: s.localStatic,
		PeerStatic:    s.peerStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: new initiator state: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: write initiation: %w", err)
	}
	s.pendingHS = hs

	return append([]byte{tagInitiation}, msg...), nil
}

// Decapsulate processes one received UDP payload against this peer's
// session state. It takes no source address; the caller is responsible
// for updating the peer's endpoint and byte counters.
func (s *Session) Decapsulate(ciphertext []byte) (Outcome, error) {
	if len(ciphertext) < 1 {
		return Outcome{Kind: Drop}, nil
	}
	tag, body := ciphertext[0], ciphertext[1:]

	switch tag {
	case tagInitiation:
		return s.handleInitiation(body)
	case tagResponse:
		return s.handleResponse(body)
	case tagTransport:
		return s.handleTransport(body)
	default:
		return Outcome{Kind: Drop}, nil
	}
}

// handleInitiation processes an incoming msg1 as the Noise-IK responder.
func (s *Session) handleInitiation(msg []byte) (Outcome, error) {
	hs, err := noiselib.NewHandshakeState(noiselib.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noiselib.HandshakeIK,
		Initiator:     false,
		StaticKeypair: s.localStatic,
	})
	if err != nil {
		return Outcome{Kind: Drop}, nil
	}

	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		s.log.Warnf("crypto: reject initiation: %v", err)
		return Outcome{Kind: Drop}, nil
	}

	if !peerMatches(hs.PeerStatic(), s.peerStatic) {
		// P5: never complete a handshake whose static key doesn't match the
		// peer this Session was built for.
		s.log.Warnf("crypto: initiation static key mismatch, dropping")
		return Outcome{Kind: Drop}, nil
	}

	reply, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return Outcome{Kind: Drop}, nil
	}
	if cs1 == nil || cs2 == nil {
		return Outcome{Kind: Drop}, nil
	}

	s.installKeys(cs1, cs2, false)
	return Outcome{Kind: Reply, Bytes: append([]byte{tagResponse}, reply...)}, nil
}

// handleResponse processes an incoming msg2 as the Noise-IK initiator.
func (s *Session) handleResponse(msg []byte) (Outcome, error) {
	hs := s.pendingHS
	if hs == nil {
		return Outcome{Kind: Drop}, nil
	}

	_, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		s.log.Warnf("crypto: reject response: %v", err)
		return Outcome{Kind: Drop}, nil
	}
	if cs1 == nil || cs2 == nil {
		return Outcome{Kind: Drop}, nil
	}
	if !peerMatches(hs.PeerStatic(), s.peerStatic) {
		return Outcome{Kind: Drop}, nil
	}

	s.pendingHS = nil
	s.installKeys(cs1, cs2, true)
	return Outcome{Kind: HandshakeComplete}, nil
}

// installKeys stores transport cipher states. initiator selects which of
// cs1/cs2 is our send vs receive direction: cs1 always belongs to the
// initiator's outbound direction, cs2 to the responder's.
func (s *Session) installKeys(cs1, cs2 *noiselib.CipherState, initiator bool) {
	if initiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
	s.lastHandshakeAt = time.Now()
}

// handleTransport decrypts a transport-data packet and classifies the
// decrypted payload by IP version.
func (s *Session) handleTransport(ciphertext []byte) (Outcome, error) {
	if s.recv == nil {
		return Outcome{Kind: Drop}, nil
	}
	plain, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return Outcome{Kind: Drop}, nil
	}
	if len(plain) == 0 {
		// empty payload: a keepalive, nothing to deliver upstream.
		return Outcome{Kind: Drop}, nil
	}
	switch plain[0] >> 4 {
	case 4:
		return Outcome{Kind: InnerV4, Bytes: plain}, nil
	case 6:
		return Outcome{Kind: InnerV6, Bytes: plain}, nil
	default:
		return Outcome{Kind: Drop}, nil
	}
}

// Encapsulate produces a transport-data ciphertext for one outbound IPv4
// datagram, or reports false if no session exists yet.
func (s *Session) Encapsulate(innerIPv4 []byte) ([]byte, bool) {
	if s.send == nil {
		return nil, false
	}
	ciphertext, err := s.send.Encrypt(nil, nil, innerIPv4)
	if err != nil {
		return nil, false
	}
	s.lastSendAt = time.Now()
	return append([]byte{tagTransport}, ciphertext...), true
}

// UpdateTimers is called on a fixed cadence (nominally 25s). It may return a
// rekey initiation, a keepalive, or nothing (ok is false).
func (s *Session) UpdateTimers() ([]byte, bool) {
	now := time.Now()

	if !s.Established() {
		return nil, false
	}

	if now.Sub(s.lastHandshakeAt) >= rekeyAfter && s.pendingHS == nil {
		msg, err := s.FormatInitiation()
		if err != nil {
			return nil, false
		}
		return msg, true
	}

	if now.Sub(s.lastSendAt) >= keepaliveAfter {
		msg, ok := s.Encapsulate(nil)
		return msg, ok
	}

	return nil, false
}

// Close zeroes this session's static private key and, if a handshake is
// pending, its ephemeral private key. Called once the peer is torn down.
// The keys held inside the transport cipher states are not overwritten.
func (s *Session) Close() {
	zero(s.localStatic.Private)
	if s.pendingHS != nil {
		if eph := s.pendingHS.LocalEphemeral(); eph.Private != nil {
			zero(eph.Private)
		}
	}
}

func peerMatches(got, want []byte) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
