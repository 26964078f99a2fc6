//go:build linux

package routing

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/ple7mesh/meshagent/internal/pal"
)

// LinuxRouter drives the `ip` command line tool, the same way the teacher's
// infrastructure/PAL/linux/ip package does for every route mutation.
type LinuxRouter struct {
	cmd pal.Commander
}

func NewRouter() Router { return LinuxRouter{cmd: pal.ExecCommander{}} }

// NewRouterWithCommander is the test seam: inject a fake Commander instead
// of shelling out for real.
func NewRouterWithCommander(cmd pal.Commander) Router { return LinuxRouter{cmd: cmd} }

func (r LinuxRouter) AddRoute(ifName string, dest netip.Prefix) error {
	out, err := r.cmd.CombinedOutput("ip", "route", "add", dest.String(), "dev", ifName)
	if err != nil && !strings.Contains(string(out), "File exists") {
		return fmt.Errorf("routing: ip route add %s dev %s: %w (%s)", dest, ifName, err, out)
	}
	return nil
}

func (r LinuxRouter) DefaultGateway() (string, string, error) {
	out, err := r.cmd.Output("ip", "route")
	if err != nil {
		return "", "", fmt.Errorf("routing: ip route: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "default") {
			continue
		}
		fields := strings.Fields(line)
		var gw, dev string
		for i, f := range fields {
			if f == "via" && i+1 < len(fields) {
				gw = fields[i+1]
			}
			if f == "dev" && i+1 < len(fields) {
				dev = fields[i+1]
			}
		}
		if dev != "" {
			return gw, dev, nil
		}
	}
	return "", "", fmt.Errorf("routing: no default route found")
}

func (r LinuxRouter) SetExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error {
	if hasExclude {
		gw, _, err := r.DefaultGateway()
		if err != nil {
			return fmt.Errorf("routing: exit gateway exclude route: %w", err)
		}
		excludeDest := netip.PrefixFrom(excludeIP, excludeIP.BitLen())
		args := []string{"route", "add", excludeDest.String()}
		if gw != "" {
			args = append(args, "via", gw)
		}
		out, err := r.cmd.CombinedOutput("ip", args...)
		if err != nil && !strings.Contains(string(out), "File exists") {
			return fmt.Errorf("routing: exclude host route: %w (%s)", err, out)
		}
	}

	for _, half := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		out, err := r.cmd.CombinedOutput("ip", "route", "add", half, "dev", ifName)
		if err != nil && !strings.Contains(string(out), "File exists") {
			return fmt.Errorf("routing: split default %s: %w (%s)", half, err, out)
		}
	}
	return nil
}

func (r LinuxRouter) RevertExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error {
	var firstErr error
	for _, half := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		if out, err := r.cmd.CombinedOutput("ip", "route", "del", half, "dev", ifName); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("routing: revert split default %s: %w (%s)", half, err, out)
		}
	}
	if hasExclude {
		excludeDest := netip.PrefixFrom(excludeIP, excludeIP.BitLen())
		if out, err := r.cmd.CombinedOutput("ip", "route", "del", excludeDest.String()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("routing: revert exclude route: %w (%s)", err, out)
		}
	}
	return firstErr
}
