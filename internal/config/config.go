// Package config loads the YAML configuration that drives a vkernel
// instance: interfaces, routes, scheduler tunables (spec §6), and netfilter
// rule targets, grounded on the teacher's
// coordinator/cfg.go (LoadConfig/DefaultConfig + os.ReadFile/yaml.Unmarshal
// shape) and agent/balancer/internal/app/config.go (yaml.NewDecoder over an
// open file).
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/vkernel/vkernel/internal/logging"
)

const defaultLogLevel = zapcore.InfoLevel

// Config is the top-level configuration for a vkernel instance.
type Config struct {
	Logging    logging.Config     `yaml:"logging"`
	Interfaces []InterfaceConfig  `yaml:"interfaces"`
	Routes     []RouteConfig      `yaml:"routes"`
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
	NetFilter  NetFilterConfig    `yaml:"netfilter"`
	DHCP       DHCPConfig         `yaml:"dhcp"`
	DNS        DNSConfig          `yaml:"dns"`
}

// DefaultConfig returns a configuration usable with no interfaces or routes
// beyond scheduler defaults, the way coordinator.DefaultConfig seeds an
// otherwise-empty Config.
func DefaultConfig() *Config {
	return &Config{
		Logging:   logging.Config{Level: defaultLogLevel},
		Scheduler: DefaultSchedulerConfig(),
		NetFilter: NetFilterConfig{QueueCapacity: 256},
		DHCP:      DefaultDHCPConfig(),
	}
}

// Load reads path, decodes it over DefaultConfig, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section, aggregating every failure found (rather
// than stopping at the first) via go-multierror so a single run reports
// every mistake in the file at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	seen := make(map[string]struct{}, len(c.Interfaces))
	for _, ic := range c.Interfaces {
		if err := ic.Validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, dup := seen[ic.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("interface %q: duplicate name", ic.Name))
		}
		seen[ic.Name] = struct{}{}
	}

	for i, rc := range c.Routes {
		if err := rc.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("route[%d]: %w", i, err))
			continue
		}
		if _, ok := seen[rc.Iface]; !ok {
			result = multierror.Append(result, fmt.Errorf("route[%d]: unknown interface %q", i, rc.Iface))
		}
	}

	if err := c.Scheduler.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := c.NetFilter.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := c.DHCP.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := c.DNS.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
