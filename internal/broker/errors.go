package broker

import "errors"

var (
	// ErrNotConnected reports that no connection to the helper daemon is
	// open. Client methods do not return it: they dial on demand.
	ErrNotConnected = errors.New("broker: not connected to helper daemon")

	// ErrDaemonFailure wraps a {success:false} response's message.
	ErrDaemonFailure = errors.New("broker: daemon reported failure")
)
