package config

import (
	"fmt"
	"net/netip"

	"github.com/c2h5oh/datasize"

	"github.com/vkernel/vkernel/internal/netstack/iface"
)

// InterfaceConfig describes one NetInterface to create at startup (spec
// §3.1). Glob matching on Name is used elsewhere (NetFilter rule targets,
// DHCP client selection) to apply a config fragment to a set of interfaces
// rather than one.
type InterfaceConfig struct {
	Name    string            `yaml:"name"`
	HWAddr  string            `yaml:"hwaddr"`
	Address string            `yaml:"address"` // CIDR, e.g. "192.168.1.1/24"
	MTU     int               `yaml:"mtu"`
	Up      bool              `yaml:"up"`
	SndBuf  datasize.ByteSize `yaml:"sndbuf"`
}

// Validate checks structural constraints spec §3.1 places on a NetInterface
// (name length, address family) independent of any other interface.
func (c InterfaceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("interface: name is required")
	}
	if len(c.Name) > 15 {
		return fmt.Errorf("interface %q: name exceeds 15 characters", c.Name)
	}
	if c.HWAddr != "" {
		if _, err := parseHWAddr(c.HWAddr); err != nil {
			return fmt.Errorf("interface %q: %w", c.Name, err)
		}
	}
	if c.Address != "" {
		p, err := netip.ParsePrefix(c.Address)
		if err != nil {
			return fmt.Errorf("interface %q: invalid address %q: %w", c.Name, c.Address, err)
		}
		if !p.Addr().Is4() {
			return fmt.Errorf("interface %q: address %q is not IPv4", c.Name, c.Address)
		}
	}
	if c.MTU < 0 {
		return fmt.Errorf("interface %q: negative MTU", c.Name)
	}
	return nil
}

func parseHWAddr(s string) (iface.HWAddr, error) {
	var hw iface.HWAddr
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&hw[0], &hw[1], &hw[2], &hw[3], &hw[4], &hw[5])
	if err != nil || n != 6 {
		return hw, fmt.Errorf("malformed hardware address %q", s)
	}
	return hw, nil
}

// Build creates the iface.Interface this config describes, assigning index.
func (c InterfaceConfig) Build(index int) (*iface.Interface, error) {
	hw, err := parseHWAddr(c.HWAddr)
	if err != nil {
		return nil, err
	}
	mtu := c.MTU
	if mtu == 0 {
		mtu = 1500
	}
	ifc, err := iface.New(c.Name, index, hw, mtu)
	if err != nil {
		return nil, err
	}
	if c.Address != "" {
		prefix, err := netip.ParsePrefix(c.Address)
		if err != nil {
			return nil, err
		}
		ifc.Configure(prefix.Addr(), prefix.Bits())
	}
	if c.Up {
		ifc.SetUp()
	}
	return ifc, nil
}
