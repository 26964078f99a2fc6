//go:build darwin

package iface

import (
	"fmt"
	"net/netip"

	"github.com/ple7mesh/meshagent/internal/broker"
)

// brokerDevice is a Device backed by a PrivilegedBroker daemon (spec §4.3
// variant B): every packet and route mutation crosses the Unix socket in
// internal/broker rather than touching the kernel directly, since this
// process itself does not hold CAP_NET_ADMIN-equivalent privilege on
// macOS. Grounded on the original helper_client.rs usage pattern.
type brokerDevice struct {
	client    *broker.Client
	name      string
	excludeIP netip.Addr
	hasExcl   bool
	exitSet   bool
}

// NewDevice asks the privileged daemon (reachable at broker.DefaultSocketPath)
// to create, address and bring up a utun device.
func NewDevice(cfg Config) (Device, error) {
	client := broker.NewClient("")
	if err := client.Connect(broker.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("iface: connect to helper: %w", err)
	}
	if !client.Ping() {
		_ = client.Close()
		return nil, fmt.Errorf("iface: helper daemon not responding")
	}

	netmask := netmaskString(cfg.Netmask)
	name, err := client.CreateTun(cfg.NameHint, cfg.Address.String(), netmask)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("iface: create_tun: %w", err)
	}

	return &brokerDevice{client: client, name: name}, nil
}

func netmaskString(mask []byte) string {
	if len(mask) != 4 {
		return "255.255.255.0"
	}
	return fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
}

func (d *brokerDevice) Name() string { return d.name }

// readPacketTimeoutMs is the per-call budget handed to the daemon, so each
// read_packet round-trip returns within it. Read retries on every timeout
// and returns only once a packet arrives or a call fails, for example after
// the device has been destroyed.
const readPacketTimeoutMs = 100

func (d *brokerDevice) Read(buf []byte) (int, error) {
	for {
		packet, err := d.client.ReadPacket(d.name, readPacketTimeoutMs)
		if err != nil {
			return 0, fmt.Errorf("iface: read_packet: %w", err)
		}
		if packet == nil {
			continue // timed out, no packet available yet
		}
		n := copy(buf, packet)
		return n, nil
	}
}

func (d *brokerDevice) Write(buf []byte) (int, error) {
	n, err := d.client.WritePacket(d.name, buf)
	if err != nil {
		return 0, fmt.Errorf("iface: write_packet: %w", err)
	}
	return n, nil
}

func (d *brokerDevice) AddRoute(dest netip.Prefix) error {
	return d.client.AddRoute(dest.Addr().String(), uint8(dest.Bits()), "")
}

func (d *brokerDevice) SetExitGateway(excludeIP netip.Addr, hasExclude bool) error {
	excl := ""
	if hasExclude {
		excl = excludeIP.String()
	}
	if err := d.client.SetDefaultGateway("", excl); err != nil {
		return err
	}
	d.excludeIP, d.hasExcl, d.exitSet = excludeIP, hasExclude, true
	return nil
}

func (d *brokerDevice) RevertExitGateway() error {
	if !d.exitSet {
		return nil
	}
	err := d.client.RestoreDefaultGateway()
	d.exitSet = false
	return err
}

func (d *brokerDevice) Close() error {
	_ = d.client.DestroyTun(d.name)
	return d.client.Close()
}
