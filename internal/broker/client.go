package broker

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Connect/IO timeouts, matching the original helper_client.rs defaults
// exactly: a generous connect window, short per-call read/write budgets.
const (
	ConnectTimeout         = 5 * time.Second
	TeardownConnectTimeout = 2 * time.Second
	ioTimeout              = 2 * time.Second
)

// Client is a thin request/response wrapper around the broker's Unix
// socket. It is not safe for concurrent use by multiple goroutines; callers
// serialize access the same way TunnelSession serializes VirtualInterface
// calls.
type Client struct {
	socketPath string
	conn       net.Conn
	reader     *bufio.Reader
}

// NewClient builds a Client bound to path. Commands dial the socket with
// ConnectTimeout on first use if Connect has not been called.
func NewClient(path string) *Client {
	if path == "" {
		path = DefaultSocketPath
	}
	return &Client{socketPath: path}
}

// Connect dials the broker's socket with the given timeout. Calling Connect
// while already connected is a no-op.
func (c *Client) Connect(timeout time.Duration) error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, timeout)
	if err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.reader = nil, nil
	return err
}

func (c *Client) send(cmd Command) (Response, error) {
	if c.conn == nil {
		if err := c.Connect(ConnectTimeout); err != nil {
			return Response{}, err
		}
	}

	_ = c.conn.SetDeadline(time.Now().Add(ioTimeout))

	line, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, fmt.Errorf("broker: encode command: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.conn.Write(line); err != nil {
		return Response{}, fmt.Errorf("broker: send %s: %w", cmd.Command, err)
	}

	respLine, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("broker: read response to %s: %w", cmd.Command, err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return Response{}, fmt.Errorf("broker: decode response to %s: %w", cmd.Command, err)
	}
	return resp, nil
}

// Ping checks daemon liveness, grounded on HelperClient::ping.
func (c *Client) Ping() bool {
	resp, err := c.send(Command{Command: CmdPing})
	return err == nil && resp.Success && resp.Message == "pong"
}

// GetVersion returns the daemon's reported version string.
func (c *Client) GetVersion() (string, error) {
	resp, err := c.send(Command{Command: CmdGetVersion})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrDaemonFailure, resp.Message)
	}
	var v VersionData
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		return "", fmt.Errorf("broker: decode get_version data: %w", err)
	}
	return v.Version, nil
}

// CreateTun asks the daemon to create and address a TUN device, returning
// its kernel-assigned name.
func (c *Client) CreateTun(nameHint, address, netmask string) (string, error) {
	resp, err := c.send(Command{Command: CmdCreateTun, Name: nameHint, Address: address, Netmask: netmask})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrDaemonFailure, resp.Message)
	}
	var d CreateTunData
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return "", fmt.Errorf("broker: decode create_tun data: %w", err)
	}
	return d.Name, nil
}

// DestroyTun tears down a previously created TUN device.
func (c *Client) DestroyTun(name string) error {
	return c.simple(Command{Command: CmdDestroyTun, Name: name})
}

// AddRoute installs destination/prefixLen via gateway (may be empty to mean
// "via the interface itself").
func (c *Client) AddRoute(destination string, prefixLen uint8, gateway string) error {
	return c.simple(Command{Command: CmdAddRoute, Destination: destination, PrefixLen: prefixLen, Gateway: gateway})
}

// RemoveRoute undoes AddRoute.
func (c *Client) RemoveRoute(destination string, prefixLen uint8) error {
	return c.simple(Command{Command: CmdRemoveRoute, Destination: destination, PrefixLen: prefixLen})
}

// SetDefaultGateway installs the full-tunnel bypass (spec §4.3 / I6):
// excludeIP, when non-empty, must be installed by the daemon before the
// split-default routes.
func (c *Client) SetDefaultGateway(gateway, excludeIP string) error {
	return c.simple(Command{Command: CmdSetDefaultGateway, Gateway: gateway, ExcludeIP: excludeIP})
}

// RestoreDefaultGateway reverts SetDefaultGateway.
func (c *Client) RestoreDefaultGateway() error {
	return c.simple(Command{Command: CmdRestoreDefaultGateway})
}

// Status reports the daemon's current resource counts.
func (c *Client) Status() (StatusData, error) {
	resp, err := c.send(Command{Command: CmdStatus})
	if err != nil {
		return StatusData{}, err
	}
	if !resp.Success {
		return StatusData{}, fmt.Errorf("%w: %s", ErrDaemonFailure, resp.Message)
	}
	var s StatusData
	if err := json.Unmarshal(resp.Data, &s); err != nil {
		return StatusData{}, fmt.Errorf("broker: decode status data: %w", err)
	}
	return s, nil
}

// ReadPacket requests one packet from tunName, waiting up to timeoutMs
// (defaulting to 100ms per spec §4.3). A nil, nil return means the read
// timed out with nothing available; the caller loops.
func (c *Client) ReadPacket(tunName string, timeoutMs uint64) ([]byte, error) {
	if timeoutMs == 0 {
		timeoutMs = 100
	}
	resp, err := c.send(Command{Command: CmdReadPacket, TunName: tunName, TimeoutMs: &timeoutMs})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrDaemonFailure, resp.Message)
	}
	if resp.Message == "timeout" {
		return nil, nil
	}
	var d ReadPacketData
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return nil, fmt.Errorf("broker: decode read_packet data: %w", err)
	}
	packet, err := base64.StdEncoding.DecodeString(d.Packet)
	if err != nil {
		return nil, fmt.Errorf("broker: decode packet payload: %w", err)
	}
	if len(packet) != d.Length {
		return nil, fmt.Errorf("broker: read_packet length mismatch: got %d bytes, daemon reported %d", len(packet), d.Length)
	}
	return packet, nil
}

// WritePacket delivers one packet to tunName, returning the byte count the
// daemon reports having written.
func (c *Client) WritePacket(tunName string, data []byte) (int, error) {
	resp, err := c.send(Command{Command: CmdWritePacket, TunName: tunName, Data: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("%w: %s", ErrDaemonFailure, resp.Message)
	}
	var d WritePacketData
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return 0, fmt.Errorf("broker: decode write_packet data: %w", err)
	}
	return d.Written, nil
}

func (c *Client) simple(cmd Command) error {
	resp, err := c.send(cmd)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrDaemonFailure, resp.Message)
	}
	return nil
}
