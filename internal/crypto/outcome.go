package crypto

// OutcomeKind tags the result of Session.Decapsulate, per spec §4.2.
type OutcomeKind int

const (
	// Drop means the ciphertext was not for this peer, or failed
	// authentication/replay checks. The caller must try the next peer.
	Drop OutcomeKind = iota
	// InnerV4 carries a decrypted IPv4 datagram bound for the VirtualInterface.
	InnerV4
	// InnerV6 carries a decrypted IPv6 datagram; the caller discards it.
	InnerV6
	// Reply carries a handshake response that must be sent back to src.
	Reply
	// HandshakeComplete signals that transport keys are now established.
	HandshakeComplete
)

func (k OutcomeKind) String() string {
	switch k {
	case Drop:
		return "drop"
	case InnerV4:
		return "inner-v4"
	case InnerV6:
		return "inner-v6"
	case Reply:
		return "reply"
	case HandshakeComplete:
		return "handshake-complete"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one Decapsulate call.
type Outcome struct {
	Kind  OutcomeKind
	Bytes []byte
}
