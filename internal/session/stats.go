package session

import (
	"time"

	"github.com/ple7mesh/meshagent/internal/metrics"
)

// Stats is a point-in-time snapshot of TunnelSession's aggregate counters
// (spec §4.7 Orchestrator.stats()). Reads are eventually consistent with
// producer writes; this is not a cross-peer atomic snapshot.
type Stats struct {
	ConnectedPeers int
	TxBytesTotal   uint64
	RxBytesTotal   uint64
	LastHandshake  time.Time // zero if no peer has ever completed one
}

// Snapshot computes a Stats from the current peer set.
func (s *TunnelSession) Snapshot() Stats {
	var st Stats
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	for _, p := range s.peers {
		if p.established() {
			st.ConnectedPeers++
		}
		st.TxBytesTotal += p.txBytes.Load()
		st.RxBytesTotal += p.rxBytes.Load()
		if hs := p.lastHandshakeAt(); hs.After(st.LastHandshake) {
			st.LastHandshake = hs
		}
	}
	metrics.ConnectedPeers.Set(float64(st.ConnectedPeers))
	return st
}
