package stun

import "errors"

// ErrStunFailure is returned when every configured server was tried and
// none produced a valid Binding Response within its timeout.
var ErrStunFailure = errors.New("stun: all servers exhausted")
