package ip

import (
	"net/netip"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/ethernet"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/icmp"
	"github.com/vkernel/vkernel/internal/netstack/netfilter"
	"github.com/vkernel/vkernel/internal/netstack/route"
)

// UpperHandler processes a demultiplexed IP payload for one protocol
// number.
type UpperHandler func(ingress *iface.Interface, h *Header, payload []byte) error

// Resolver resolves a next-hop IPv4 address to a link-layer address,
// satisfied by *arp.Resolver (kept as an interface to avoid an import
// cycle between ip and arp).
type Resolver interface {
	Resolve(ifc *iface.Interface, addr netip.Addr) (iface.HWAddr, error)
}

// Stack is the IP-layer pipeline: local delivery, forwarding, and the
// fragmentation/reassembly glue (spec §4.3).
type Stack struct {
	Routes      *route.Table
	Reassembler *Reassembler
	Resolver    Resolver
	handlers    map[uint8]UpperHandler
	// LocalAddr reports whether addr belongs to any of our interfaces; the
	// kernel façade wires this to a lookup over all configured interfaces.
	LocalAddr func(addr netip.Addr) bool
	// Filter, when set, runs the PRE_ROUTING/LOCAL_IN/FORWARD/POST_ROUTING
	// hooks (spec §4.9) around the pipeline stages below. Nil skips
	// filtering entirely, matching every existing caller/test that predates
	// NetFilter wiring.
	Filter *netfilter.Filter
}

// NewStack builds an IP stack.
func NewStack(routes *route.Table, reasm *Reassembler, resolver Resolver, localAddr func(netip.Addr) bool) *Stack {
	return &Stack{
		Routes:      routes,
		Reassembler: reasm,
		Resolver:    resolver,
		handlers:    make(map[uint8]UpperHandler),
		LocalAddr:   localAddr,
	}
}

// RegisterUpper installs the handler for protocol.
func (s *Stack) RegisterUpper(protocol uint8, h UpperHandler) {
	s.handlers[protocol] = h
}

// Input is the EthDemux-facing entry point for EtherType IPv4 (spec §4.3
// Input).
func (s *Stack) Input(ingress *iface.Interface, pkt *buffer.PacketBuffer) error {
	raw := pkt.Bytes()
	h, err := ParseHeader(raw)
	if err != nil {
		ingress.Counters.DropRx()
		ingress.Counters.RecordError()
		return err
	}

	payload := raw[h.IHL:h.TotalLen]

	// Inbound packets only get an L2 layer marker from ethernet.Demux; mark
	// L3 here so netfilter callbacks and conntrack can read the IP header
	// via pkt.LayerBytes(buffer.LayerL3) the same way the send path does
	// (EncodeHeader marks it there).
	pkt.SetLayer(buffer.LayerL3)

	if !s.passesHook(netfilter.HookPreRouting, ingress, pkt) {
		ingress.Counters.DropRx()
		return nil
	}

	if s.LocalAddr(h.Dst) {
		return s.deliverLocal(ingress, h, payload, pkt)
	}

	return s.forward(ingress, h, raw[:h.TotalLen], pkt)
}

// passesHook runs hook (when a Filter is installed) and reports whether the
// packet may continue; only VerdictAccept continues.
func (s *Stack) passesHook(hook netfilter.Hook, ingress *iface.Interface, pkt *buffer.PacketBuffer) bool {
	if s.Filter == nil {
		return true
	}
	return s.Filter.Run(hook, ingress, pkt) == netfilter.VerdictAccept
}

func (s *Stack) deliverLocal(ingress *iface.Interface, h *Header, payload []byte, pkt *buffer.PacketBuffer) error {
	if !s.passesHook(netfilter.HookLocalIn, ingress, pkt) {
		ingress.Counters.DropRx()
		return nil
	}

	if h.IsFragment() {
		reassembled, ok, err := s.Reassembler.Insert(h, payload)
		if err != nil {
			ingress.Counters.DropRx()
			return err
		}
		if !ok {
			return nil
		}
		payload = reassembled
	}

	handler, ok := s.handlers[h.Protocol]
	if !ok {
		ingress.Counters.DropRx()
		return nil
	}
	return handler(ingress, h, payload)
}

func (s *Stack) forward(ingress *iface.Interface, h *Header, fullPacket []byte, pkt *buffer.PacketBuffer) error {
	if !s.passesHook(netfilter.HookForward, ingress, pkt) {
		ingress.Counters.DropRx()
		return nil
	}

	if h.TTL <= 1 {
		s.sendICMP(ingress, h.Src, icmp.BuildTimeExceeded(icmp.CodeTTLExceeded, fullPacket))
		ingress.Counters.DropRx()
		return kerr.New(kerr.ProtocolError, "ip.forward: ttl expired")
	}

	r, err := s.Routes.Lookup(h.Dst)
	if err != nil {
		s.sendICMP(ingress, h.Src, icmp.BuildDestUnreachable(icmp.CodeHostUnreachable, 0, fullPacket))
		ingress.Counters.DropRx()
		return err
	}

	if r.Iface == ingress {
		ingress.Counters.DropRx()
		return kerr.New(kerr.ProtocolError, "ip.forward: would forward onto ingress interface")
	}

	h.TTL--

	payload := fullPacket[h.IHL:]
	return s.sendOnRoute(r, h, payload, fullPacket)
}

func (s *Stack) sendOnRoute(r *route.Route, h *Header, payload []byte, fullPacket []byte) error {
	nextHop := h.Dst
	if r.Flags&route.FlagGateway != 0 {
		nextHop = r.Gateway
	}

	if FragmentsNeeded(len(payload), r.Iface.MTU) {
		if h.DontFragment() {
			s.sendICMP(nil, h.Src, icmp.BuildDestUnreachable(icmp.CodeFragNeeded, uint16(r.Iface.MTU), fullPacket))
			return kerr.New(kerr.MessageTooBig, "ip.sendOnRoute")
		}
		headers, payloads, err := Fragment(h, payload, r.Iface.MTU)
		if err != nil {
			return err
		}
		for i := range headers {
			if err := s.transmit(r.Iface, nextHop, headers[i], payloads[i]); err != nil {
				return err
			}
		}
		return nil
	}

	return s.transmit(r.Iface, nextHop, h, payload)
}

func (s *Stack) transmit(ifc *iface.Interface, nextHop netip.Addr, h *Header, payload []byte) error {
	pkt := buffer.Allocate(len(payload) + MaxHeaderLen + ethernet.HeaderLen)
	if err := pkt.Put(payload); err != nil {
		return err
	}
	if err := EncodeHeader(pkt, h, len(payload)); err != nil {
		return err
	}

	dstMAC := iface.Broadcast
	if s.Resolver != nil {
		mac, err := s.Resolver.Resolve(ifc, nextHop)
		if err != nil {
			return err
		}
		dstMAC = mac
	}

	if err := ethernet.EncodeHeader(pkt, dstMAC, ifc.HWAddr, ethernet.EtherTypeIP); err != nil {
		return err
	}

	if !s.passesHook(netfilter.HookPostRouting, ifc, pkt) {
		ifc.Counters.DropTx()
		return nil
	}

	return ifc.TransmitRaw(pkt)
}

// SendIPPacket transmits a locally-originated payload for h.Protocol to
// h.Dst, filling in h.Src/h.TTL from the chosen route when unset and
// fragmenting as needed (spec §4.3, the UDP/TCP/socket send path).
func (s *Stack) SendIPPacket(h *Header, payload []byte) error {
	r, err := s.Routes.Lookup(h.Dst)
	if err != nil {
		return err
	}
	if !h.Src.IsValid() {
		h.Src = r.Iface.Addr
	}
	if h.TTL == 0 {
		h.TTL = 64
	}
	return s.sendOnRoute(r, h, payload, nil)
}

// sendICMP reflects an ICMP message back toward dst over ingress (if
// known) using the route table otherwise.
func (s *Stack) sendICMP(ingress *iface.Interface, dst netip.Addr, icmpMsg []byte) {
	ifc := ingress
	var gw netip.Addr
	useGateway := false
	if ifc == nil {
		r, err := s.Routes.Lookup(dst)
		if err != nil {
			return
		}
		ifc = r.Iface
		if r.Flags&route.FlagGateway != 0 {
			gw, useGateway = r.Gateway, true
		}
	}
	if ifc == nil {
		return
	}

	h := &Header{
		Src:      ifc.Addr,
		Dst:      dst,
		TTL:      64,
		Protocol: ProtoICMP,
	}
	nextHop := dst
	if useGateway {
		nextHop = gw
	}
	_ = s.transmit(ifc, nextHop, h, icmpMsg)
}
