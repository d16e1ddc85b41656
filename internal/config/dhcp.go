package config

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DHCPConfig selects which interfaces run a DHCP client (spec §4.11),
// matched by name glob the same way NetFilterConfig matches rule targets.
type DHCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	IfaceGlob string `yaml:"iface"`
}

// DefaultDHCPConfig disables the DHCP client by default; an operator opts
// in per interface pattern.
func DefaultDHCPConfig() DHCPConfig {
	return DHCPConfig{Enabled: false, IfaceGlob: "*"}
}

// Validate checks IfaceGlob compiles when DHCP is enabled.
func (c DHCPConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.IfaceGlob == "" {
		return fmt.Errorf("dhcp: iface pattern is required when enabled")
	}
	if _, err := glob.Compile(c.IfaceGlob); err != nil {
		return fmt.Errorf("dhcp: invalid iface pattern %q: %w", c.IfaceGlob, err)
	}
	return nil
}

// Matches reports whether name is selected for DHCP client startup.
func (c DHCPConfig) Matches(name string) bool {
	if !c.Enabled {
		return false
	}
	g, err := glob.Compile(c.IfaceGlob)
	if err != nil {
		return false
	}
	return g.Match(name)
}
