package vkernel

import (
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/icmp"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/socket"
	"github.com/vkernel/vkernel/internal/netstack/tcp"
	"github.com/vkernel/vkernel/internal/netstack/udp"
)

// handleICMP answers Echo Request with Echo Reply (spec §4.3); every other
// ICMP type reaching local delivery (Time Exceeded, Dest Unreachable,
// replies to our own probes) is advisory only and has no further consumer
// yet, so it is silently accepted.
func (k *Kernel) handleICMP(ingress *iface.Interface, h *ip.Header, payload []byte) error {
	if len(payload) < 1 {
		return nil
	}
	if payload[0] != icmp.TypeEchoRequest {
		return nil
	}
	reply := icmp.BuildEchoReply(payload)
	return k.Stack.SendIPPacket(&ip.Header{Dst: h.Src, Protocol: ip.ProtoICMP}, reply)
}

// handleUDP demultiplexes an inbound UDP datagram to the bound endpoint,
// trying the exact local address before the wildcard bind (spec §4.5).
func (k *Kernel) handleUDP(ingress *iface.Interface, h *ip.Header, payload []byte) error {
	srcPort, dstPort, data, err := udp.DecodeHeader(payload)
	if err != nil {
		return err
	}

	ep, ok := k.UDPRegistry.Lookup(h.Dst, dstPort)
	if !ok {
		ep, ok = k.UDPRegistry.Lookup(unspecifiedAddr, dstPort)
	}
	if !ok {
		return nil
	}
	return ep.Deliver(h.Src, srcPort, data)
}

// handleTCP routes an inbound segment to its connection, or to a matching
// listener when none exists yet (spec §4.4 passive open). A segment for
// neither a tracked connection nor a listener is dropped rather than
// answered with RST — the same minimal-viable-path simplification spec §4.4
// already accepts for out-of-order data (recorded in DESIGN.md).
func (k *Kernel) handleTCP(ingress *iface.Interface, h *ip.Header, payload []byte) error {
	seg, err := tcp.DecodeSegment(payload)
	if err != nil {
		return err
	}

	tuple := tcp.FourTuple{
		LocalAddr: h.Dst, LocalPort: seg.DstPort,
		RemoteAddr: h.Src, RemotePort: seg.SrcPort,
	}

	cb, ok := k.TCPRegistry.Lookup(tuple)
	var resp *tcp.Segment
	var derived *tcp.ControlBlock

	if ok {
		resp, derived, err = tcp.HandleSegment(cb, nil, tuple, seg)
	} else if listener, ok := k.TCPRegistry.LookupListener(h.Dst, seg.DstPort); ok {
		resp, derived, err = tcp.HandleSegment(listener, listener, tuple, seg)
	} else {
		return nil
	}
	if err != nil {
		return err
	}

	if derived != nil {
		if ls, ok := socket.LookupListener(h.Dst, seg.DstPort); ok {
			ls.DeliverIncomingSYN(derived)
		}
	}

	if resp != nil {
		raw := tcp.EncodeSegment(resp)
		return k.Stack.SendIPPacket(&ip.Header{Dst: h.Src, Protocol: ip.ProtoTCP}, raw)
	}
	return nil
}
