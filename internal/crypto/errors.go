package crypto

import "errors"

var (
	// ErrNoSession reports that no handshake has established transport keys
	// with this peer yet. Encapsulate signals that case with a false result
	// rather than this error.
	ErrNoSession = errors.New("crypto: no established session")

	// ErrNotInitiation reports a handshake already in progress or complete.
	// FormatInitiation does not return it: it also runs on established
	// sessions, which is how UpdateTimers rekeys.
	ErrNotInitiation = errors.New("crypto: handshake already in progress or complete")
)
