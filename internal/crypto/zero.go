package crypto

import "runtime"

// zero overwrites b in place so ephemeral and session key material does not
// linger on the heap after a handshake or rekey. runtime.KeepAlive stops the
// compiler from treating the loop as a dead store.
func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
