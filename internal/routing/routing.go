// Package routing implements the add_route/set_exit_gateway/revert_exit_gateway
// side of VirtualInterface (spec §4.3), one file per platform family in the
// teacher's own style of shelling out to the system's route utility rather
// than touching netlink/routing-table syscalls directly.
package routing

import "net/netip"

// Router is the platform-specific half of VirtualInterface's routing
// capability set. Implementations live in routing_linux.go,
// routing_darwin.go and routing_windows.go, selected by build tag.
type Router interface {
	// AddRoute installs a route for dest via ifName. "Route already exists"
	// is not an error.
	AddRoute(ifName string, dest netip.Prefix) error

	// DefaultGateway returns the current default route's gateway IP and
	// outbound interface name.
	DefaultGateway() (gateway, ifName string, err error)

	// SetExitGateway installs the three-route full-tunnel bypass of spec §4.3:
	// the exclude-IP host route via the original gateway first (I6), then
	// the 0.0.0.0/1 + 128.0.0.0/1 split-default via ifName.
	SetExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error

	// RevertExitGateway removes whatever SetExitGateway installed.
	RevertExitGateway(ifName string, excludeIP netip.Addr, hasExclude bool) error
}
