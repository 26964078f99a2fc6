//go:build windows

package iface

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"

	"github.com/ple7mesh/meshagent/internal/routing"
)

// ringSize is the Wintun ring buffer capacity, within
// wintun.RingCapacityMin..RingCapacityMax.
const ringSize = 8 << 20

// sessionRef pins one Wintun session with an in-flight refcount, so a
// session swap (reopenSession) never races a concurrent Read/Write.
type sessionRef struct {
	s        *wintun.Session
	inflight atomic.Int64
}

// windowsDevice adapts the Wintun ring-buffer API (spec §4.3 variant C) to
// Device, using a per-session RCU swap so a torn-down ring never blocks a
// pending Read indefinitely. Grounded on the teacher's high-compat Wintun
// adapter.
type windowsDevice struct {
	adapter    *wintun.Adapter
	name       string
	closeEvent windows.Handle
	router     routing.Router

	cur    atomic.Pointer[sessionRef]
	closed atomic.Bool

	reopenMu sync.Mutex

	excludeIP netip.Addr
	hasExcl   bool
	exitSet   bool
}

// NewDevice creates a Wintun adapter, assigns the given address/netmask to
// it via netsh, and starts the initial ring session.
func NewDevice(cfg Config) (Device, error) {
	adapter, err := wintun.CreateAdapter(cfg.NameHint, "Meshagent", nil)
	if err != nil {
		return nil, fmt.Errorf("iface: create wintun adapter: %w", err)
	}

	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("iface: create close event: %w", err)
	}
	sess, err := adapter.StartSession(ringSize)
	if err != nil {
		_ = adapter.Close()
		_ = windows.CloseHandle(ev)
		return nil, fmt.Errorf("iface: start session: %w", err)
	}

	d := &windowsDevice{
		adapter:    adapter,
		name:       cfg.NameHint,
		closeEvent: ev,
		router:     routing.NewRouter(),
	}
	d.cur.Store(&sessionRef{s: &sess})

	if out, err := exec.Command("netsh", "interface", "ip", "set", "address",
		fmt.Sprintf("name=%s", cfg.NameHint), "static", cfg.Address.String(), netmaskString(cfg.Netmask)).CombinedOutput(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("iface: netsh set address: %w (%s)", err, out)
	}

	return d, nil
}

func netmaskString(mask []byte) string {
	if len(mask) != 4 {
		return "255.255.255.0"
	}
	return fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
}

func (d *windowsDevice) Name() string { return d.name }

func (d *windowsDevice) beginOp() (*sessionRef, *wintun.Session, error) {
	if d.closed.Load() {
		return nil, nil, windows.ERROR_OPERATION_ABORTED
	}
	ref := d.cur.Load()
	if ref == nil {
		return nil, nil, windows.ERROR_INVALID_HANDLE
	}
	ref.inflight.Add(1)
	return ref, ref.s, nil
}

func (d *windowsDevice) endOp(ref *sessionRef) { ref.inflight.Add(-1) }

func (d *windowsDevice) waitReadOrClose(readEvent windows.Handle, timeoutMs uint32) (closed bool, err error) {
	handles := []windows.Handle{readEvent, d.closeEvent}
	status, werr := windows.WaitForMultipleObjects(handles, false, timeoutMs)
	if werr != nil {
		return false, werr
	}
	switch status {
	case windows.WAIT_OBJECT_0 + 0:
		return false, nil
	case windows.WAIT_OBJECT_0 + 1:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, syscall.EINVAL
	}
}

func (d *windowsDevice) reopenSession() error {
	d.reopenMu.Lock()
	defer d.reopenMu.Unlock()

	if d.closed.Load() {
		return windows.ERROR_OPERATION_ABORTED
	}

	oldRef := d.cur.Load()
	newSess, err := d.adapter.StartSession(ringSize)
	if err != nil {
		return err
	}
	newRef := &sessionRef{s: &newSess}
	d.cur.Store(newRef)

	if oldRef != nil {
		for oldRef.inflight.Load() != 0 {
			runtime.Gosched()
			_ = windows.SleepEx(0, false)
		}
		oldRef.s.End()
	}
	return nil
}

func (d *windowsDevice) Read(dst []byte) (int, error) {
	for {
		if d.closed.Load() {
			return 0, windows.ERROR_OPERATION_ABORTED
		}
		ref, s, err := d.beginOp()
		if err != nil {
			return 0, err
		}

		packet, rerr := s.ReceivePacket()
		if rerr == nil {
			if len(packet) > len(dst) {
				s.ReleaseReceivePacket(packet)
				d.endOp(ref)
				return 0, syscall.EMSGSIZE
			}
			n := copy(dst, packet)
			s.ReleaseReceivePacket(packet)
			d.endOp(ref)
			return n, nil
		}
		d.endOp(ref)

		switch {
		case errors.Is(rerr, windows.ERROR_NO_MORE_ITEMS):
			curRef := d.cur.Load()
			if curRef == nil {
				continue
			}
			closed, werr := d.waitReadOrClose(curRef.s.ReadWaitEvent(), windows.INFINITE)
			if werr != nil {
				return 0, werr
			}
			if closed {
				return 0, windows.ERROR_OPERATION_ABORTED
			}
			continue
		case errors.Is(rerr, windows.ERROR_HANDLE_EOF), errors.Is(rerr, windows.ERROR_INVALID_DATA):
			if err := d.reopenSession(); err != nil {
				return 0, err
			}
			continue
		default:
			return 0, rerr
		}
	}
}

func (d *windowsDevice) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > wintun.PacketSizeMax {
		return 0, syscall.EMSGSIZE
	}

	backoff := uint32(0)
	for {
		if d.closed.Load() {
			return 0, windows.ERROR_OPERATION_ABORTED
		}
		ref, s, err := d.beginOp()
		if err != nil {
			return 0, err
		}

		buf, aerr := s.AllocateSendPacket(len(p))
		if aerr == nil {
			copy(buf, p)
			s.SendPacket(buf)
			d.endOp(ref)
			return len(p), nil
		}
		d.endOp(ref)

		switch {
		case errors.Is(aerr, windows.ERROR_HANDLE_EOF):
			if err := d.reopenSession(); err != nil {
				return 0, err
			}
			continue
		case errors.Is(aerr, windows.ERROR_BUFFER_OVERFLOW):
			if backoff < 2 {
				runtime.Gosched()
				_ = windows.SleepEx(0, false)
			} else {
				_ = windows.SleepEx(1, false)
			}
			if backoff < 10 {
				backoff++
			}
			continue
		default:
			return 0, aerr
		}
	}
}

func (d *windowsDevice) AddRoute(dest netip.Prefix) error {
	return d.router.AddRoute(d.name, dest)
}

func (d *windowsDevice) SetExitGateway(excludeIP netip.Addr, hasExclude bool) error {
	if err := d.router.SetExitGateway(d.name, excludeIP, hasExclude); err != nil {
		return err
	}
	d.excludeIP, d.hasExcl, d.exitSet = excludeIP, hasExclude, true
	return nil
}

func (d *windowsDevice) RevertExitGateway() error {
	if !d.exitSet {
		return nil
	}
	err := d.router.RevertExitGateway(d.name, d.excludeIP, d.hasExcl)
	d.exitSet = false
	return err
}

func (d *windowsDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = windows.SetEvent(d.closeEvent)

	d.reopenMu.Lock()
	defer d.reopenMu.Unlock()

	oldRef := d.cur.Swap(nil)
	if oldRef != nil {
		for oldRef.inflight.Load() != 0 {
			runtime.Gosched()
			_ = windows.SleepEx(0, false)
		}
		oldRef.s.End()
	}

	_ = d.adapter.Close()
	_ = windows.CloseHandle(d.closeEvent)
	return nil
}
