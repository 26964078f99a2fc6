package session

import "errors"

var (
	// ErrNoPeers is returned by New when the config has none.
	ErrNoPeers = errors.New("session: tunnel config declares no peers")

	// ErrShortPacket names a read too small to carry an IPv4 header. The
	// inner pump does not return it: it drops such packets silently.
	ErrShortPacket = errors.New("session: packet shorter than an IPv4 header")
)
