package config

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/netfilter"
)

// NetFilterConfig configures the netfilter queue capacity plus a set of
// static rules compiled into hook-chain registrations at startup (spec
// §4.9's hook/callback model, made config-driven the way the teacher
// reaches for github.com/gobwas/glob for name-pattern matching, per
// SPEC_FULL §1/§2).
type NetFilterConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	Rules         []RuleConfig  `yaml:"rules"`
}

// RuleConfig is one static netfilter rule: match packets arriving on an
// interface whose name matches IfaceGlob (and, if set, Protocol), at Hook,
// and apply Action.
type RuleConfig struct {
	Hook      string `yaml:"hook"`      // pre_routing|local_in|forward|local_out|post_routing
	Priority  int    `yaml:"priority"`
	IfaceGlob string `yaml:"iface"`     // e.g. "eth*"; empty matches any interface
	Protocol  string `yaml:"protocol"`  // tcp|udp|icmp; empty matches any protocol
	Action    string `yaml:"action"`    // accept|drop
}

var hookNames = map[string]netfilter.Hook{
	"pre_routing":  netfilter.HookPreRouting,
	"local_in":     netfilter.HookLocalIn,
	"forward":      netfilter.HookForward,
	"local_out":    netfilter.HookLocalOut,
	"post_routing": netfilter.HookPostRouting,
}

var protocolNumbers = map[string]int{
	"icmp": ip.ProtoICMP,
	"tcp":  ip.ProtoTCP,
	"udp":  ip.ProtoUDP,
}

// Validate checks hook/action/protocol names and that IfaceGlob compiles.
func (c RuleConfig) Validate() error {
	if _, ok := hookNames[c.Hook]; !ok {
		return fmt.Errorf("netfilter rule: unknown hook %q", c.Hook)
	}
	if c.Action != "accept" && c.Action != "drop" {
		return fmt.Errorf("netfilter rule: unknown action %q", c.Action)
	}
	if c.Protocol != "" {
		if _, ok := protocolNumbers[c.Protocol]; !ok {
			return fmt.Errorf("netfilter rule: unknown protocol %q", c.Protocol)
		}
	}
	if c.IfaceGlob != "" {
		if _, err := glob.Compile(c.IfaceGlob); err != nil {
			return fmt.Errorf("netfilter rule: invalid iface pattern %q: %w", c.IfaceGlob, err)
		}
	}
	return nil
}

// Validate checks QueueCapacity and every rule.
func (c NetFilterConfig) Validate() error {
	if c.QueueCapacity < 0 {
		return fmt.Errorf("netfilter: negative queue_capacity")
	}
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("netfilter.rules[%d]: %w", i, err)
		}
	}
	return nil
}

// Compile builds a netfilter.Filter with every rule registered to its hook,
// in config order (spec §4.9 priority ordering is preserved by Register's
// stable sort on Priority).
func (c NetFilterConfig) Compile() (*netfilter.Filter, error) {
	qc := c.QueueCapacity
	if qc == 0 {
		qc = 256
	}
	f := netfilter.New(qc)

	for _, r := range c.Rules {
		hook, ok := hookNames[r.Hook]
		if !ok {
			return nil, fmt.Errorf("netfilter rule: unknown hook %q", r.Hook)
		}

		var matcher glob.Glob
		if r.IfaceGlob != "" {
			g, err := glob.Compile(r.IfaceGlob)
			if err != nil {
				return nil, fmt.Errorf("netfilter rule: %w", err)
			}
			matcher = g
		}

		protocol, hasProtocol := -1, false
		if r.Protocol != "" {
			protocol = protocolNumbers[r.Protocol]
			hasProtocol = true
		}

		verdict := netfilter.VerdictAccept
		if r.Action == "drop" {
			verdict = netfilter.VerdictDrop
		}

		f.Register(hook, r.Priority, ruleCallback(matcher, protocol, hasProtocol, verdict), r)
	}

	return f, nil
}

func ruleCallback(matcher glob.Glob, protocol int, hasProtocol bool, verdict netfilter.Verdict) netfilter.Callback {
	return func(ifc *iface.Interface, pkt *buffer.PacketBuffer) netfilter.Verdict {
		if matcher != nil && (ifc == nil || !matcher.Match(ifc.Name)) {
			return netfilter.VerdictAccept
		}
		if hasProtocol {
			raw, ok := pkt.LayerBytes(buffer.LayerL3)
			if !ok {
				return netfilter.VerdictAccept
			}
			h, err := ip.ParseHeader(raw)
			if err != nil || int(h.Protocol) != protocol {
				return netfilter.VerdictAccept
			}
		}
		return verdict
	}
}
