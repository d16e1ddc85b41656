package vkernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/dhcp"
	"github.com/vkernel/vkernel/internal/netstack/ethernet"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/udp"
)

// dhcpClientPort/dhcpServerPort are the well-known BOOTP/DHCP ports (RFC
// 2131 §1).
const (
	dhcpClientPort = 68
	dhcpServerPort = 67

	dhcpPollInterval = 50 * time.Millisecond
)

// dhcpBinding runs one interface's DHCP client, driving dhcp.Client's state
// machine against a UDP endpoint bound directly in the kernel's registry
// (spec §4.11). DISCOVER/REQUEST traffic predates any configured address and
// targets the broadcast address, so it is framed directly onto the
// interface the way arp.Resolver frames its own requests, rather than
// through ip.Stack's routed send path (there is no route to 255.255.255.255
// until one is configured, and there shouldn't need to be just for this).
type dhcpBinding struct {
	k      *Kernel
	ifc    *iface.Interface
	client *dhcp.Client
	ep     *udp.Endpoint
	log    *zap.SugaredLogger
}

// buildDHCPClients starts one dhcpBinding per interface matching
// cfg.DHCP's glob (spec §4.11 "a DHCP client binding selects interfaces by
// name glob").
func (k *Kernel) buildDHCPClients() error {
	if !k.cfg.DHCP.Enabled {
		return nil
	}
	for name, ifc := range k.ifaces {
		if !k.cfg.DHCP.Matches(name) {
			continue
		}

		ep := &udp.Endpoint{}
		if err := k.UDPRegistry.Bind(ep, unspecifiedAddr, dhcpClientPort); err != nil {
			return fmt.Errorf("dhcp %s: bind: %w", name, err)
		}

		xid := binary.BigEndian.Uint32(ifc.HWAddr[2:6])
		b := &dhcpBinding{
			k:      k,
			ifc:    ifc,
			client: dhcp.NewClient(k.clock, ifc.HWAddr, xid),
			ep:     ep,
			log:    k.log.With("dhcp-iface", name),
		}
		k.dhcpClients = append(k.dhcpClients, b)
	}
	return nil
}

// run drives the client's state machine until ctx is canceled: kick off
// discovery, then poll for replies and retries (spec §4.11
// INIT->SELECTING->REQUESTING->BOUND).
func (b *dhcpBinding) run(ctx context.Context) error {
	if err := b.sendDiscover(); err != nil {
		return fmt.Errorf("dhcp %s: discover: %w", b.ifc.Name, err)
	}

	ticker := time.NewTicker(dhcpPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.poll(); err != nil {
				b.log.Warnw("dhcp poll failed", "error", err)
			}
			b.retryIfDue()
		}
	}
}

func (b *dhcpBinding) poll() error {
	dgram, err := b.ep.RecvFrom()
	if err != nil {
		if errors.Is(err, kerr.IsWouldBlock) {
			return nil
		}
		return err
	}

	msgType, yiaddr, opts, err := dhcp.ParseMessage(dgram.Payload)
	if err != nil {
		return err
	}

	switch msgType {
	case dhcp.MsgOffer:
		return b.handleOffer(yiaddr, opts)
	case dhcp.MsgAck:
		return b.handleAck(yiaddr, opts)
	case dhcp.MsgNak:
		b.client.HandleNak()
		return nil
	default:
		return nil
	}
}

func (b *dhcpBinding) handleOffer(yiaddr netip.Addr, opts map[byte][]byte) error {
	serverID := optAddr(opts, dhcp.OptServerID)
	req, err := b.client.HandleOffer(yiaddr, serverID)
	if err != nil {
		return err
	}
	return b.broadcast(req)
}

func (b *dhcpBinding) handleAck(yiaddr netip.Addr, opts map[byte][]byte) error {
	lease := &dhcp.Lease{
		Addr:       yiaddr,
		SubnetMask: optUint32(opts, dhcp.OptSubnetMask),
		Router:     optAddr(opts, dhcp.OptRouter),
		ServerID:   optAddr(opts, dhcp.OptServerID),
		LeaseTime:  optDuration(opts, dhcp.OptLeaseTime),
	}
	if dns := optAddr(opts, dhcp.OptDNS); dns.IsValid() {
		lease.DNS = []netip.Addr{dns}
	}
	b.client.HandleAck(lease)
	b.ifc.Configure(lease.Addr, maskBits(lease.SubnetMask))
	b.log.Infow("dhcp bound", "addr", lease.Addr, "lease", lease.LeaseTime)
	return nil
}

// retryIfDue resends the in-flight request when the client's backoff timer
// has elapsed, restarting discovery from scratch for simplicity: this
// simulation doesn't retain the exact in-flight message across retries, so
// a due retry in SELECTING or REQUESTING just re-broadcasts a fresh
// DHCPDISCOVER rather than replaying the original request (spec §4.11 only
// specifies the backoff schedule, not retransmission content).
func (b *dhcpBinding) retryIfDue() {
	switch b.client.State() {
	case dhcp.StateSelecting, dhcp.StateRequesting:
		if b.client.BackoffNext() {
			if err := b.sendDiscover(); err != nil {
				b.log.Warnw("dhcp retry failed", "error", err)
			}
		}
	}
}

// sweep checks renewal/rebinding thresholds, invoked by the timer worker
// (spec §4.11 RFC 2131 §4.4.5 T1/T2 timers).
func (b *dhcpBinding) sweep() {
	if b.client.RenewalDue() {
		req, err := b.client.BeginRenewal()
		if err != nil {
			b.log.Warnw("dhcp renewal failed", "error", err)
			return
		}
		if err := b.unicast(b.client.Lease().ServerID, req); err != nil {
			b.log.Warnw("dhcp renewal send failed", "error", err)
		}
		return
	}
	if b.client.RebindingDue() {
		req, err := b.client.BeginRebinding()
		if err != nil {
			b.log.Warnw("dhcp rebinding failed", "error", err)
			return
		}
		if err := b.broadcast(req); err != nil {
			b.log.Warnw("dhcp rebinding send failed", "error", err)
		}
	}
}

func (b *dhcpBinding) sendDiscover() error {
	b.client = dhcp.NewClient(b.k.clock, b.ifc.HWAddr, binary.BigEndian.Uint32(b.ifc.HWAddr[2:6]))
	payload, err := b.client.Start()
	if err != nil {
		return err
	}
	return b.broadcast(payload)
}

func (b *dhcpBinding) broadcast(payload []byte) error {
	return b.transmit(iface.Broadcast, broadcastAddr, payload)
}

func (b *dhcpBinding) unicast(dst netip.Addr, payload []byte) error {
	return b.transmit(b.ifc.HWAddr, dst, payload)
}

// transmit frames payload as UDP/IP/Ethernet and sends it directly on the
// interface, bypassing ip.Stack's routed send path (see dhcpBinding's
// doc comment).
func (b *dhcpBinding) transmit(dstMAC iface.HWAddr, dstIP netip.Addr, payload []byte) error {
	srcIP := b.ifc.Addr
	if !srcIP.IsValid() {
		srcIP = unspecifiedAddr
	}

	seg := udp.EncodeHeader(dhcpClientPort, dhcpServerPort, payload)
	h := &ip.Header{Src: srcIP, Dst: dstIP, TTL: 64, Protocol: udp.Protocol}

	pkt := buffer.Allocate(len(seg) + ip.MaxHeaderLen + ethernet.HeaderLen)
	if err := pkt.Put(seg); err != nil {
		return err
	}
	if err := ip.EncodeHeader(pkt, h, len(seg)); err != nil {
		return err
	}
	if err := ethernet.EncodeHeader(pkt, dstMAC, b.ifc.HWAddr, ethernet.EtherTypeIP); err != nil {
		return err
	}
	return b.ifc.TransmitRaw(pkt)
}

func optAddr(opts map[byte][]byte, code byte) netip.Addr {
	v, ok := opts[code]
	if !ok || len(v) != 4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte{v[0], v[1], v[2], v[3]})
}

func optUint32(opts map[byte][]byte, code byte) uint32 {
	v, ok := opts[code]
	if !ok || len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func optDuration(opts map[byte][]byte, code byte) time.Duration {
	return time.Duration(optUint32(opts, code)) * time.Second
}

// maskBits converts a contiguous genmask into its prefix length, the
// inverse of iface.Configure's bits-to-mask conversion.
func maskBits(mask uint32) int {
	bits := 0
	for mask&0x80000000 != 0 {
		bits++
		mask <<= 1
	}
	return bits
}
