// Package controlchannel implements ControlChannel (spec §4.5): a
// persistent JSON-over-text WebSocket stream to the control plane that
// publishes the device's reflexive endpoint and receives peer endpoint /
// online / offline / config-change notifications, auto-reconnecting on
// failure. Grounded on the teacher's infrastructure/network/ws adapter and
// the original websocket.rs ManagedWsClient.
package controlchannel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ple7mesh/meshagent/internal/logging"
	"github.com/ple7mesh/meshagent/internal/metrics"
)

// ReconnectInterval is the auto-reconnect backoff floor (spec §4.5: "5s
// default"). Repeated failures back off exponentially from this floor up to
// MaxReconnectInterval; a connection that stays up for HealthyConnection
// resets the backoff back to the floor.
const (
	ReconnectInterval    = 5 * time.Second
	MaxReconnectInterval = 60 * time.Second
	HealthyConnection    = 30 * time.Second
)

// newReconnectBackoff builds the exponential backoff policy: InitialInterval
// is the 5s floor, MaxInterval caps how slow reconnects get, and
// MaxElapsedTime of 0 means retry forever rather than giving up.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectInterval
	b.MaxInterval = MaxReconnectInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Channel owns the WebSocket connection to the control plane and dispatches
// decoded events to a Handler. Failure here is never fatal to the tunnel
// (spec §4.5): the caller runs it as a detached goroutine.
type Channel struct {
	baseURL   string
	token     string
	deviceID  string
	networkID string
	handler   Handler
	log       logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
}

// New builds a Channel targeting baseURL's /ws/mesh endpoint.
func New(baseURL, token, deviceID, networkID string, handler Handler, log logging.Logger) *Channel {
	if log == nil {
		log = logging.Nop{}
	}
	return &Channel{
		baseURL:   baseURL,
		token:     token,
		deviceID:  deviceID,
		networkID: networkID,
		handler:   handler,
		log:       log,
	}
}

// Run connects and services the channel until ctx is cancelled, reconnecting
// with exponential backoff on any failure. reflexiveEndpoint, if non-empty,
// is published via RegisterEndpoint on every (re)connect.
func (c *Channel) Run(ctx context.Context, reflexiveEndpoint string) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	b := newReconnectBackoff()

	for {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}

		connectedAt := time.Now()
		if err := c.connectAndServe(ctx, reflexiveEndpoint); err != nil {
			c.log.Warnf("controlchannel: %v", err)
			metrics.ControlChannelReconnects.Inc()
		}
		if time.Since(connectedAt) >= HealthyConnection {
			// The connection survived long enough to count as healthy;
			// don't let one eventual drop carry a stale, slow backoff.
			b.Reset()
		}

		wait := b.NextBackOff()
		c.log.Warnf("controlchannel: reconnecting in %s", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Stop closes the active connection (if any) and prevents further
// reconnect attempts from Run's loop.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.running = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *Channel) connectAndServe(ctx context.Context, reflexiveEndpoint string) error {
	wsURL, err := toWebsocketURL(c.baseURL, c.token)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if reflexiveEndpoint != "" {
		if err := wsjson.Write(ctx, conn, registerEndpointMsg{
			Type:     typeRegisterEndpoint,
			DeviceID: c.deviceID,
			Endpoint: reflexiveEndpoint,
		}); err != nil {
			return fmt.Errorf("register endpoint: %w", err)
		}
	}
	if err := wsjson.Write(ctx, conn, subscribeMsg{Type: typeSubscribe, NetworkID: c.networkID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.log.Infof("controlchannel: connected, subscribed to %s", c.networkID)

	for {
		var raw rawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, conn, raw)
	}
}

func (c *Channel) dispatch(ctx context.Context, conn *websocket.Conn, raw rawMessage) {
	switch raw.Type {
	case typePeerEndpointUpdate:
		var m peerEndpointUpdateMsg
		if err := json.Unmarshal(raw.body, &m); err != nil {
			c.log.Warnf("controlchannel: malformed PeerEndpointUpdate: %v", err)
			return
		}
		pubKey, err := base64.StdEncoding.DecodeString(m.PublicKey)
		if err != nil {
			c.log.Warnf("controlchannel: malformed public_key in PeerEndpointUpdate: %v", err)
			return
		}
		c.handler.OnPeerEndpointUpdate(m.DeviceID, pubKey, m.Endpoint)

	case typePeerOnline:
		var m peerOnlineMsg
		if err := json.Unmarshal(raw.body, &m); err != nil {
			c.log.Warnf("controlchannel: malformed PeerOnline: %v", err)
			return
		}
		pubKey, err := base64.StdEncoding.DecodeString(m.PublicKey)
		if err != nil {
			c.log.Warnf("controlchannel: malformed public_key in PeerOnline: %v", err)
			return
		}
		c.handler.OnPeerOnline(m.DeviceID, pubKey)

	case typePeerOffline:
		var m peerOfflineMsg
		if err := json.Unmarshal(raw.body, &m); err != nil {
			c.log.Warnf("controlchannel: malformed PeerOffline: %v", err)
			return
		}
		c.handler.OnPeerOffline(m.DeviceID)

	case typeNetworkConfigUpdate:
		var m networkConfigUpdateMsg
		if err := json.Unmarshal(raw.body, &m); err != nil {
			c.log.Warnf("controlchannel: malformed NetworkConfigUpdate: %v", err)
			return
		}
		c.handler.OnNetworkConfigUpdate(m.NetworkID)

	case typePing:
		if err := wsjson.Write(ctx, conn, pongMsg{Type: typePong}); err != nil {
			c.log.Warnf("controlchannel: pong failed: %v", err)
		}

	default:
		c.log.Debugf("controlchannel: ignoring unknown message type %q", raw.Type)
	}
}

// toWebsocketURL converts an http(s) base URL to ws(s) and appends the
// mesh endpoint with the auth token, per spec §4.5.
func toWebsocketURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket scheme
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/mesh"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
