package config

import (
	"fmt"
	"net/netip"

	"github.com/vkernel/vkernel/internal/netstack/dns"
)

// DNSConfig selects the upstream resolvers the kernel façade's dns.Resolver
// queries (spec §4.10: "up to four configured servers"). Leaving Servers
// empty means no resolver is built; the cache still runs (and is still
// swept) so a future config reload can add servers without restarting.
type DNSConfig struct {
	Servers []string `yaml:"servers"`
}

// Validate checks that each server parses as an IPv4 address and that the
// count does not exceed dns.MaxServers.
func (c DNSConfig) Validate() error {
	if len(c.Servers) > dns.MaxServers {
		return fmt.Errorf("dns: at most %d servers allowed, got %d", dns.MaxServers, len(c.Servers))
	}
	for _, s := range c.Servers {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("dns: invalid server %q: %w", s, err)
		}
		if !a.Is4() {
			return fmt.Errorf("dns: server %q is not an IPv4 address", s)
		}
	}
	return nil
}

// Addrs parses Servers into netip.Addr, assuming Validate already passed.
func (c DNSConfig) Addrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(c.Servers))
	for _, s := range c.Servers {
		if a, err := netip.ParseAddr(s); err == nil {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
