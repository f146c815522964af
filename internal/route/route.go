package route

import (
	"errors"
	"net"

	"github.com/vishvananda/netlink"
)

var ErrNoDefaultRoute = errors.New("no default route found")

// Lister returns the IPv4 routing table.
type Lister func() ([]netlink.Route, error)

func netlinkRoutes() ([]netlink.Route, error) {
	return netlink.RouteList(nil, netlink.FAMILY_V4)
}

// Checker reports whether the host has a default route, which is the
// cheapest signal that the uplink is configured at all.
type Checker struct {
	list Lister
}

func NewChecker() *Checker {
	return &Checker{list: netlinkRoutes}
}

// NewCheckerWithLister is used by tests and non-Linux builds.
func NewCheckerWithLister(l Lister) *Checker {
	return &Checker{list: l}
}

// -----------------------------------------------------------------------------
// Read Current Default Route
// -----------------------------------------------------------------------------

func (c *Checker) DefaultRoute() (*netlink.Route, error) {
	routes, err := c.list()
	if err != nil {
		return nil, err
	}

	for i := range routes {
		if isDefault(routes[i].Dst) {
			return &routes[i], nil
		}
	}
	return nil, ErrNoDefaultRoute
}

// HasDefaultRoute is true when a default route with a gateway or an
// outgoing link exists.
func (c *Checker) HasDefaultRoute() bool {
	r, err := c.DefaultRoute()
	if err != nil {
		return false
	}
	return r.Gw != nil || r.LinkIndex > 0
}

// isDefault accepts both a nil destination and an explicit 0.0.0.0/0, since
// netlink versions differ in how they report the default route.
func isDefault(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}
