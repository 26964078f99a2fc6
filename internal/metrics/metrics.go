// Package metrics exposes the agent's runtime counters and gauges over
// Prometheus text format, the way the rest of the retrieval pack
// instruments its services: global vars backed by
// github.com/VictoriaMetrics/metrics, scraped through an http.Handler.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// Tunnel lifecycle
	TunnelState       = metrics.NewGauge(`meshagent_tunnel_state`, nil)
	ConnectAttempts   = metrics.NewCounter(`meshagent_connect_attempts_total`)
	ConnectFailures   = metrics.NewCounter(`meshagent_connect_failures_total`)
	DisconnectsTotal  = metrics.NewCounter(`meshagent_disconnects_total`)

	// Data plane
	TxBytesTotal      = metrics.NewCounter(`meshagent_tx_bytes_total`)
	RxBytesTotal      = metrics.NewCounter(`meshagent_rx_bytes_total`)
	ConnectedPeers    = metrics.NewGauge(`meshagent_connected_peers`, nil)
	HandshakesTotal   = metrics.NewCounter(`meshagent_handshakes_total`)

	// StunProbe
	StunProbeSuccess  = metrics.NewCounter(`meshagent_stun_probe_success_total`)
	StunProbeFailure  = metrics.NewCounter(`meshagent_stun_probe_failure_total`)

	// ControlChannel
	ControlChannelReconnects = metrics.NewCounter(`meshagent_control_channel_reconnects_total`)
)

// Handler returns the HTTP handler the agent's local diagnostic server
// exposes for Prometheus scraping.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}
}

// RecordConnectionType increments a connection_type-labeled counter so a
// dashboard can break connection attempts down by direct/relay/unknown
// without the orchestrator package importing the metrics registry further.
func RecordConnectionType(connectionType string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`meshagent_connection_type_total{type=%q}`, connectionType),
	).Inc()
}
