//go:build darwin

package routing

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ple7mesh/meshagent/internal/pal"
)

// DarwinRouter drives the BSD `route` command, adapted from the teacher's
// infrastructure/PAL/darwin/route.Wrapper.
type DarwinRouter struct {
	cmd pal.Commander
}

func NewRouter() Router { return DarwinRouter{cmd: pal.ExecCommander{}} }

func NewRouterWithCommander(cmd pal.Commander) Router { return DarwinRouter{cmd: cmd} }

func (r DarwinRouter) AddRoute(ifName string, dest netip.Prefix) error {
	out, err := r.cmd.CombinedOutput("route", "-q", "add", "-net", dest.String(), "-interface", ifName)
	if err != nil && !strings.Contains(string(out), "File exists") {
		return fmt.Errorf("routing: route add %s -interface %s: %w (%s)", dest, ifName, err, out)
	}
	return nil
}

func (r DarwinRouter) DefaultGateway() (string, string, error) {
	out, err := r.cmd.CombinedOutput("route", "-n", "get", "default")
	if err != nil {
		return "", "", fmt.Errorf("routing: route get default: %w (%s)", err, out)
	}
	var gw, iface string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "gateway:":
			gw = fields[1]
		case "interface:":
			iface = fields[1]
		}
	}
	if gw == "" {
		return "", "", fmt.Errorf("routing: no default gateway found")
	}
	return gw, iface, nil
}

func (r DarwinRouter) SetExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error {
	if hasExclude {
		gw, _, err := r.DefaultGateway()
		if err != nil {
			return fmt.Errorf("routing: exit gateway exclude route: %w", err)
		}
		out, err := r.cmd.CombinedOutput("route", "add", excludeIP.String(), gw)
		if err != nil && !strings.Contains(string(out), "File exists") {
			return fmt.Errorf("routing: exclude host route: %w (%s)", err, out)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return r.runRoute("add", "-net", "0.0.0.0/1", "-interface", ifName) })
	g.Go(func() error { return r.runRoute("add", "-net", "128.0.0.0/1", "-interface", ifName) })
	return g.Wait()
}

func (r DarwinRouter) RevertExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error {
	var g errgroup.Group
	g.Go(func() error { return r.runRoute("delete", "-net", "0.0.0.0/1", "-interface", ifName) })
	g.Go(func() error { return r.runRoute("delete", "-net", "128.0.0.0/1", "-interface", ifName) })
	err := g.Wait()

	if hasExclude {
		if out, delErr := r.cmd.CombinedOutput("route", "delete", excludeIP.String()); delErr != nil && err == nil {
			err = fmt.Errorf("routing: revert exclude route: %w (%s)", delErr, out)
		}
	}
	return err
}

func (r DarwinRouter) runRoute(args ...string) error {
	out, err := r.cmd.CombinedOutput("route", append([]string{"-q"}, args...)...)
	if err != nil && !strings.Contains(string(out), "File exists") {
		return fmt.Errorf("routing: route %s: %w (%s)", strings.Join(args, " "), err, out)
	}
	return nil
}
