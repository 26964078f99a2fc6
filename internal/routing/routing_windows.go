//go:build windows

package routing

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/ple7mesh/meshagent/internal/pal"
)

// WindowsRouter drives route.exe, mirroring the invocation style of the
// teacher's infrastructure/PAL/windows/netsh.Wrapper.
type WindowsRouter struct {
	cmd pal.Commander
}

func NewRouter() Router { return WindowsRouter{cmd: pal.ExecCommander{}} }

func NewRouterWithCommander(cmd pal.Commander) Router { return WindowsRouter{cmd: cmd} }

func (r WindowsRouter) AddRoute(ifName string, dest netip.Prefix) error {
	addr := dest.Masked().Addr()
	mask := prefixMask(dest)
	out, err := r.cmd.CombinedOutput("route", "add", addr.String(), "mask", mask, "0.0.0.0", "if", ifName)
	if err != nil && !strings.Contains(strings.ToLower(string(out)), "object already exists") {
		return fmt.Errorf("routing: route add %s: %w (%s)", dest, err, out)
	}
	return nil
}

func (r WindowsRouter) DefaultGateway() (string, string, error) {
	out, err := r.cmd.CombinedOutput("route", "print", "0.0.0.0")
	if err != nil {
		return "", "", fmt.Errorf("routing: route print: %w (%s)", err, out)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "0.0.0.0" && fields[1] == "0.0.0.0" {
			return fields[2], "", nil
		}
	}
	return "", "", fmt.Errorf("routing: no default gateway found")
}

func (r WindowsRouter) SetExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error {
	if hasExclude {
		gw, _, err := r.DefaultGateway()
		if err != nil {
			return fmt.Errorf("routing: exit gateway exclude route: %w", err)
		}
		out, err := r.cmd.CombinedOutput("route", "add", excludeIP.String(), "mask", "255.255.255.255", gw)
		if err != nil && !strings.Contains(strings.ToLower(string(out)), "object already exists") {
			return fmt.Errorf("routing: exclude host route: %w (%s)", err, out)
		}
	}
	for _, half := range []struct{ net, mask string }{
		{"0.0.0.0", "128.0.0.0"},
		{"128.0.0.0", "128.0.0.0"},
	} {
		out, err := r.cmd.CombinedOutput("route", "add", half.net, "mask", half.mask, "0.0.0.0", "if", ifName)
		if err != nil && !strings.Contains(strings.ToLower(string(out)), "object already exists") {
			return fmt.Errorf("routing: split default %s/%s: %w (%s)", half.net, half.mask, err, out)
		}
	}
	return nil
}

func (r WindowsRouter) RevertExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error {
	var firstErr error
	for _, net := range []string{"0.0.0.0", "128.0.0.0"} {
		if out, err := r.cmd.CombinedOutput("route", "delete", net, "mask", "128.0.0.0"); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("routing: revert split default %s: %w (%s)", net, err, out)
		}
	}
	if hasExclude {
		if out, err := r.cmd.CombinedOutput("route", "delete", excludeIP.String()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("routing: revert exclude route: %w (%s)", err, out)
		}
	}
	return firstErr
}

func prefixMask(p netip.Prefix) string {
	bits := p.Bits()
	full := []byte{0, 0, 0, 0}
	for i := 0; i < bits; i++ {
		full[i/8] |= 1 << (7 - uint(i%8))
	}
	return fmt.Sprintf("%d.%d.%d.%d", full[0], full[1], full[2], full[3])
}
