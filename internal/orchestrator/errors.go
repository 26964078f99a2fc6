package orchestrator

import "errors"

var (
	// ErrAlreadyActive is returned by Connect when the orchestrator is not
	// Disconnected.
	ErrAlreadyActive = errors.New("orchestrator: a tunnel is already active")

	// ErrNotConnected reports that no tunnel is active. No Orchestrator
	// method currently returns it: Disconnect and Stats succeed when idle.
	ErrNotConnected = errors.New("orchestrator: no active tunnel")
)
