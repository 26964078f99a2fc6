//go:build linux

package iface

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ple7mesh/meshagent/internal/routing"
)

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca
	iffTun     = 0x0001
	iffNoPI    = 0x1000
)

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	pad   [22]byte
}

// linuxDevice opens /dev/net/tun directly, the way the teacher's
// infrastructure/PAL/linux/ip.OpenTunByName does, gated on CAP_NET_ADMIN
// (spec §4.3 variant A).
type linuxDevice struct {
	file      *os.File
	name      string
	router    routing.Router
	excludeIP netip.Addr
	hasExcl   bool
	exitSet   bool
}

// NewDevice creates, addresses and brings up a Linux TUN device.
func NewDevice(cfg Config) (Device, error) {
	file, name, err := openTun(cfg.NameHint)
	if err != nil {
		return nil, err
	}

	ones, _ := cfg.Netmask.Size()
	addr := fmt.Sprintf("%s/%d", cfg.Address, ones)
	if out, err := exec.Command("ip", "addr", "add", addr, "dev", name).CombinedOutput(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("iface: assign address: %w (%s)", err, out)
	}
	if out, err := exec.Command("ip", "link", "set", "dev", name, "mtu", fmt.Sprint(MTU)).CombinedOutput(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("iface: set mtu: %w (%s)", err, out)
	}
	if out, err := exec.Command("ip", "link", "set", "dev", name, "up").CombinedOutput(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("iface: link up: %w (%s)", err, out)
	}

	return &linuxDevice{file: file, name: name, router: routing.NewRouter()}, nil
}

func openTun(nameHint string) (*os.File, string, error) {
	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("iface: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], nameHint)
	req.Flags = iffTun | iffNoPI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		_ = file.Close()
		return nil, "", fmt.Errorf("iface: TUNSETIFF: %w", errno)
	}

	name := strings.TrimRight(string(req.Name[:]), "\x00")
	return file, name, nil
}

func (d *linuxDevice) Name() string { return d.name }

func (d *linuxDevice) Read(buf []byte) (int, error) { return d.file.Read(buf) }

func (d *linuxDevice) Write(buf []byte) (int, error) { return d.file.Write(buf) }

func (d *linuxDevice) AddRoute(dest netip.Prefix) error {
	return d.router.AddRoute(d.name, dest)
}

func (d *linuxDevice) SetExitGateway(excludeIP netip.Addr, hasExclude bool) error {
	if err := d.router.SetExitGateway(d.name, excludeIP, hasExclude); err != nil {
		return err
	}
	d.excludeIP, d.hasExcl, d.exitSet = excludeIP, hasExclude, true
	return nil
}

func (d *linuxDevice) RevertExitGateway() error {
	if !d.exitSet {
		return nil
	}
	err := d.router.RevertExitGateway(d.name, d.excludeIP, d.hasExcl)
	d.exitSet = false
	return err
}

func (d *linuxDevice) Close() error { return d.file.Close() }
