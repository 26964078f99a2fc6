package controlchannel

import "errors"

// ErrNotConnected reports that Run has no connection established. No
// function in this package currently returns it.
var ErrNotConnected = errors.New("controlchannel: not connected")
