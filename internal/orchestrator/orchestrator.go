// Package orchestrator implements Orchestrator (spec §4.7): the single
// public façade that parses a tunnel configuration, drives StunProbe and
// ControlChannel, starts a TunnelSession, and applies routing.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/ple7mesh/meshagent/internal/config"
	"github.com/ple7mesh/meshagent/internal/controlchannel"
	"github.com/ple7mesh/meshagent/internal/iface"
	"github.com/ple7mesh/meshagent/internal/logging"
	"github.com/ple7mesh/meshagent/internal/metrics"
	"github.com/ple7mesh/meshagent/internal/session"
	"github.com/ple7mesh/meshagent/internal/stun"
)

// teardownBound is the upper bound disconnect() must complete within
// (spec §8 P8), driven by the 100ms pump poll interval with headroom.
const teardownBound = 200 * time.Millisecond

// Options parameterizes Connect (spec §6's command surface).
type Options struct {
	DeviceID            string
	NetworkID           string
	ExitNodeType        ExitNodeType
	ExitNodeID          string // base64 public key of the exit peer, ExitNodeDevice only
	ControlPlaneBaseURL string // empty disables the control channel
	AuthToken           string
}

// Stats is Orchestrator.stats() (spec §6).
type Stats struct {
	TxBytes        uint64
	RxBytes        uint64
	ConnectedPeers int
	PublicEndpoint string // empty if never discovered
	ConnectionType ConnectionType
	LastHandshake  time.Time
}

// stunProbeFunc is the seam scenario 1/2/5 stub against: tests inject a
// fake that returns a fixed address or an error without touching the
// network.
type stunProbeFunc func(conn *net.UDPConn) (*net.UDPAddr, error)

// deviceFactory is the seam VirtualInterface creation is stubbed against:
// iface.NewDevice requires CAP_NET_ADMIN (Linux) or a running broker
// (Darwin), neither of which a unit test environment provides.
type deviceFactory func(cfg iface.Config) (iface.Device, error)

// Orchestrator is the single public façade over one tunnel's lifecycle.
// It is safe for concurrent use; state transitions are totally ordered by
// mu (spec §5).
type Orchestrator struct {
	log       logging.Logger
	stunProbe stunProbeFunc
	newDevice deviceFactory

	mu             sync.Mutex
	state          State
	errKind        ErrorKind
	connectionType ConnectionType
	publicEndpoint *net.UDPAddr

	cfg    *config.TunnelConfig
	conn   *net.UDPConn
	dev    iface.Device
	tsess  *session.TunnelSession
	ch     *controlchannel.Channel
	cancel context.CancelFunc
}

// New builds an idle Orchestrator.
func New(log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Nop{}
	}
	return &Orchestrator{
		log:            log,
		stunProbe:      stun.Probe,
		newDevice:      iface.NewDevice,
		state:          Disconnected,
		connectionType: ConnectionUnknown,
	}
}

// WithStunProbe overrides the StunProbe implementation, for tests that
// stub NAT discovery (spec §8 scenarios 1, 2, 5).
func (o *Orchestrator) WithStunProbe(fn func(conn *net.UDPConn) (*net.UDPAddr, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stunProbe = fn
}

// WithDeviceFactory overrides VirtualInterface creation, for tests that run
// without the privileges real TUN creation requires.
func (o *Orchestrator) WithDeviceFactory(fn func(cfg iface.Config) (iface.Device, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.newDevice = fn
}

// Status returns the current TunnelState.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns the current aggregate statistics; zero-valued fields if no
// tunnel is active.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	tsess := o.tsess
	connType := o.connectionType
	var publicEndpoint string
	if o.publicEndpoint != nil {
		publicEndpoint = o.publicEndpoint.String()
	}
	o.mu.Unlock()

	if tsess == nil {
		return Stats{ConnectionType: connType, PublicEndpoint: publicEndpoint}
	}
	snap := tsess.Snapshot()
	return Stats{
		TxBytes:        snap.TxBytesTotal,
		RxBytes:        snap.RxBytesTotal,
		ConnectedPeers: snap.ConnectedPeers,
		PublicEndpoint: publicEndpoint,
		ConnectionType: connType,
		LastHandshake:  snap.LastHandshake,
	}
}

// Connect parses configText and brings the tunnel up through the state
// machine of spec §4.7. A malformed configuration returns to Disconnected
// without ever reaching Connected (spec §8 scenario 6).
func (o *Orchestrator) Connect(configText string, opts Options) error {
	o.mu.Lock()
	if o.state != Disconnected {
		o.mu.Unlock()
		return ErrAlreadyActive
	}
	o.state = Connecting
	o.mu.Unlock()
	metrics.ConnectAttempts.Inc()
	metrics.TunnelState.Set(float64(Connecting))

	cfg, err := config.Parse(configText)
	if err != nil {
		o.fail(ErrKindConfig)
		return fmt.Errorf("orchestrator: %w", err)
	}

	localPub, err := curve25519.X25519(cfg.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		o.fail(ErrKindCrypto)
		return fmt.Errorf("orchestrator: derive public key: %w", err)
	}

	conn, err := config.SelectListenPort(cfg.ListenPort)
	if err != nil {
		o.fail(ErrKindTransport)
		return fmt.Errorf("orchestrator: bind udp socket: %w", err)
	}

	o.mu.Lock()
	o.cfg, o.conn = cfg, conn
	o.state = DiscoveringEndpoint
	probeFn := o.stunProbe
	newDevice := o.newDevice
	o.mu.Unlock()

	connType := ConnectionRelay
	publicEndpoint, err := probeFn(conn)
	if err != nil {
		o.log.Warnf("orchestrator: stun probe failed, falling back to relay: %v", err)
		publicEndpoint = nil
		metrics.StunProbeFailure.Inc()
	} else {
		connType = ConnectionDirect
		metrics.StunProbeSuccess.Inc()
	}
	metrics.RecordConnectionType(string(connType))

	o.mu.Lock()
	o.state = Handshaking
	o.connectionType = connType
	o.publicEndpoint = publicEndpoint
	o.mu.Unlock()
	metrics.TunnelState.Set(float64(Handshaking))

	dev, err := newDevice(iface.Config{
		NameHint: "mesh0",
		Address:  cfg.Address,
		Netmask:  cfg.Netmask,
	})
	if err != nil {
		_ = conn.Close()
		o.fail(ErrKindInterface)
		return fmt.Errorf("orchestrator: create virtual interface: %w", err)
	}

	for _, p := range cfg.Peers {
		for _, prefix := range p.AllowedIPs {
			if err := dev.AddRoute(prefix); err != nil {
				o.log.Warnf("orchestrator: add route %s: %v", prefix, err)
			}
		}
	}

	tsess, err := session.New(cfg, cfg.PrivateKey[:], localPub, conn, dev, o.log)
	if err != nil {
		_ = dev.Close()
		_ = conn.Close()
		o.fail(ErrKindTransport)
		return fmt.Errorf("orchestrator: build tunnel session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tsess.Start(ctx)

	if exitPeer := selectExitPeer(cfg, opts); exitPeer != nil && exitPeer.Endpoint.IsValid() {
		excludeIP := exitPeer.Endpoint.Addr()
		if err := dev.SetExitGateway(excludeIP, true); err != nil {
			o.log.Warnf("orchestrator: set exit gateway: %v", err)
		}
	} else if opts.ExitNodeType == ExitNodeDevice {
		o.log.Warnf("orchestrator: exit_node_id %q not found among configured peers, staying split-tunnel", opts.ExitNodeID)
	}

	var ch *controlchannel.Channel
	if opts.ControlPlaneBaseURL != "" {
		ch = controlchannel.New(opts.ControlPlaneBaseURL, opts.AuthToken, opts.DeviceID, opts.NetworkID, tsess, o.log)
		reflexive := ""
		if publicEndpoint != nil {
			reflexive = publicEndpoint.String()
		}
		go ch.Run(ctx, reflexive)
	}

	o.mu.Lock()
	o.dev, o.tsess, o.ch, o.cancel = dev, tsess, ch, cancel
	o.state = Connected
	o.mu.Unlock()
	metrics.TunnelState.Set(float64(Connected))

	return nil
}

// Disconnect tears the tunnel down. It is idempotent and always succeeds.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	if o.state == Disconnected {
		o.mu.Unlock()
		return nil
	}
	o.state = Disconnecting
	cancel := o.cancel
	ch := o.ch
	tsess := o.tsess
	dev := o.dev
	conn := o.conn
	o.mu.Unlock()
	metrics.TunnelState.Set(float64(Disconnecting))

	done := make(chan struct{})
	go func() {
		if cancel != nil {
			cancel()
		}
		if ch != nil {
			ch.Stop()
		}
		// dev.Close() must precede tsess.Stop(): the inner pump blocks inside
		// dev.Read until the device is closed, and Stop waits on that pump.
		if dev != nil {
			_ = dev.RevertExitGateway()
			_ = dev.Close()
		}
		if tsess != nil {
			tsess.Stop()
		}
		if conn != nil {
			_ = conn.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(teardownBound):
		o.log.Warnf("orchestrator: teardown exceeded %s", teardownBound)
	}

	o.mu.Lock()
	o.state = Disconnected
	o.cfg, o.conn, o.dev, o.tsess, o.ch, o.cancel = nil, nil, nil, nil, nil, nil
	o.connectionType = ConnectionUnknown
	o.publicEndpoint = nil
	o.mu.Unlock()
	metrics.DisconnectsTotal.Inc()
	metrics.TunnelState.Set(float64(Disconnected))

	return nil
}

// fail records kind for ErrorKind() and returns the orchestrator to
// Disconnected so a subsequent Connect can retry (spec §8 scenario 6:
// a malformed configuration returns the state machine to Disconnected).
func (o *Orchestrator) fail(kind ErrorKind) {
	o.mu.Lock()
	o.errKind = kind
	o.cfg, o.conn, o.dev, o.tsess, o.ch, o.cancel = nil, nil, nil, nil, nil, nil
	o.state = Disconnected
	o.mu.Unlock()
	metrics.ConnectFailures.Inc()
	metrics.TunnelState.Set(float64(Disconnected))
}

// selectExitPeer resolves the exit-node peer for full-tunnel bypass (spec
// §6). ExitNodeRelay bypasses the configured relay peer, the first peer in
// the document, without needing an explicit id. ExitNodeDevice requires
// opts.ExitNodeID to name a specific peer by its base64 public key; no
// match means no exit gateway is installed, not a silent fallback to an
// arbitrary peer.
func selectExitPeer(cfg *config.TunnelConfig, opts Options) *config.PeerConfig {
	switch opts.ExitNodeType {
	case ExitNodeRelay:
		if len(cfg.Peers) == 0 {
			return nil
		}
		return &cfg.Peers[0]
	case ExitNodeDevice:
		want, err := base64.StdEncoding.DecodeString(opts.ExitNodeID)
		if err != nil || len(want) != 32 {
			return nil
		}
		for i := range cfg.Peers {
			if string(cfg.Peers[i].PublicKey[:]) == string(want) {
				return &cfg.Peers[i]
			}
		}
		return nil
	default:
		return nil
	}
}

// ErrorKind reports the classification of the last Connect failure. It
// stays populated after the orchestrator has already returned to
// Disconnected, so a caller can explain why Connect failed (spec §8
// scenario 6).
func (o *Orchestrator) ErrorKind() ErrorKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errKind
}
