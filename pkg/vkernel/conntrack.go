package vkernel

import (
	"math"
	"net/netip"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/netfilter"
	"github.com/vkernel/vkernel/internal/netstack/tcp"
	"github.com/vkernel/vkernel/internal/netstack/udp"
)

// wireConnTrack registers ct against f at PRE_ROUTING and POST_ROUTING with
// the lowest possible priority so it observes every packet ahead of any
// configured rule, tracking every TCP/UDP/ICMP flow that crosses the stack
// regardless of whether any rule references conntrack state (spec §4.9: a
// NEW/ESTABLISHED/RELATED/INVALID table kept up to date independent of
// whether rules consult it yet).
func wireConnTrack(f *netfilter.Filter, ct *netfilter.ConnTrack) {
	f.Register(netfilter.HookPreRouting, math.MinInt, trackCallback(ct), ct)
	f.Register(netfilter.HookPostRouting, math.MinInt, trackCallback(ct), ct)
}

// trackCallback builds a netfilter.Callback that records the packet's flow.
// canonicalFlowKey orders each packet's addresses/ports independent of which
// hook observes it, so the same callback registered at both PRE_ROUTING and
// POST_ROUTING promotes NEW to ESTABLISHED regardless of which hook sees the
// reply first.
func trackCallback(ct *netfilter.ConnTrack) netfilter.Callback {
	return func(ifc *iface.Interface, pkt *buffer.PacketBuffer) netfilter.Verdict {
		raw, ok := pkt.LayerBytes(buffer.LayerL3)
		if !ok {
			return netfilter.VerdictAccept
		}
		h, err := ip.ParseHeader(raw)
		if err != nil {
			return netfilter.VerdictAccept
		}

		var srcPort, dstPort uint16
		switch h.Protocol {
		case ip.ProtoTCP:
			if seg, err := tcp.DecodeSegment(raw[h.IHL:h.TotalLen]); err == nil {
				srcPort, dstPort = seg.SrcPort, seg.DstPort
			}
		case ip.ProtoUDP:
			if sp, dp, _, err := udp.DecodeHeader(raw[h.IHL:h.TotalLen]); err == nil {
				srcPort, dstPort = sp, dp
			}
		case ip.ProtoICMP:
			// no ports; tracked by address pair alone.
		default:
			return netfilter.VerdictAccept
		}

		key, reverse := canonicalFlowKey(h.Src, srcPort, h.Dst, dstPort, h.Protocol)
		if _, err := ct.Track(key, reverse); err != nil {
			return netfilter.VerdictDrop // table full: fail closed (spec §4.9 ResourceExhausted)
		}
		return netfilter.VerdictAccept
	}
}

// canonicalFlowKey orders (src,dst) so both directions of one flow hash to
// the same FlowKey, reporting reverse when this packet runs opposite the
// canonical direction (spec §4.9 leaves key canonicalization unspecified;
// decided here as the lexicographically-smaller endpoint, the same
// tie-break style spec.md §4.8 route comparison already uses for
// determinism).
func canonicalFlowKey(srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16, protocol uint8) (netfilter.FlowKey, bool) {
	if less(srcAddr, srcPort, dstAddr, dstPort) {
		return netfilter.FlowKey{Src: srcAddr, SrcPort: srcPort, Dst: dstAddr, DstPort: dstPort, Protocol: protocol}, false
	}
	return netfilter.FlowKey{Src: dstAddr, SrcPort: dstPort, Dst: srcAddr, DstPort: srcPort, Protocol: protocol}, true
}

func less(aAddr netip.Addr, aPort uint16, bAddr netip.Addr, bPort uint16) bool {
	if c := aAddr.Compare(bAddr); c != 0 {
		return c < 0
	}
	return aPort < bPort
}
