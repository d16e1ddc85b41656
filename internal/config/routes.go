package config

import (
	"fmt"
	"net/netip"

	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/route"
)

// RouteConfig describes one static Route (spec §3.1, §4.8). Dest "0.0.0.0/0"
// is the default route.
type RouteConfig struct {
	Dest    string `yaml:"dest"`
	Gateway string `yaml:"gateway"`
	Iface   string `yaml:"iface"`
	Metric  int    `yaml:"metric"`
	Up      bool   `yaml:"up"`
}

// Validate checks the route's own fields, independent of any interface
// table (cross-referencing happens in Config.Validate).
func (c RouteConfig) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("route: iface is required")
	}
	if _, err := netip.ParsePrefix(c.Dest); err != nil {
		return fmt.Errorf("route: invalid dest %q: %w", c.Dest, err)
	}
	if c.Gateway != "" {
		if _, err := netip.ParseAddr(c.Gateway); err != nil {
			return fmt.Errorf("route: invalid gateway %q: %w", c.Gateway, err)
		}
	}
	if c.Metric < 0 {
		return fmt.Errorf("route: negative metric")
	}
	return nil
}

// Build resolves the configured interface name against ifaces and returns
// the route.Route to insert.
func (c RouteConfig) Build(ifaces map[string]*iface.Interface) (route.Route, error) {
	ifc, ok := ifaces[c.Iface]
	if !ok {
		return route.Route{}, fmt.Errorf("route: unknown interface %q", c.Iface)
	}

	prefix, err := netip.ParsePrefix(c.Dest)
	if err != nil {
		return route.Route{}, err
	}

	var gw netip.Addr
	if c.Gateway != "" {
		gw, err = netip.ParseAddr(c.Gateway)
		if err != nil {
			return route.Route{}, err
		}
	}

	flags := route.FlagStatic
	if c.Up {
		flags |= route.FlagUp
	}
	if gw.IsValid() {
		flags |= route.FlagGateway
	}
	if prefix.Bits() == 32 {
		flags |= route.FlagHost
	}

	return route.Route{
		Dest:    prefix.Addr(),
		Genmask: maskFromBits(prefix.Bits()),
		Gateway: gw,
		Iface:   ifc,
		Flags:   flags,
		Metric:  c.Metric,
	}, nil
}

func maskFromBits(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}
