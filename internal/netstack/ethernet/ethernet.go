// Package ethernet implements EthDemux (spec §4.2): Ethernet 802.3 header
// validation and EtherType dispatch.
package ethernet

import (
	"encoding/binary"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/iface"
)

const (
	HeaderLen   = 14
	VLANTagLen  = 4
	EtherTypeIP   uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86DD
	EtherTypeVLAN uint16 = 0x8100
)

// Handler processes a demultiplexed payload on behalf of one EtherType.
type Handler func(ifc *iface.Interface, pkt *buffer.PacketBuffer) error

// Demux dispatches Ethernet frames by EtherType after validating the
// 14-byte header.
type Demux struct {
	handlers map[uint16]Handler
}

// New returns an empty Demux; register handlers with Register.
func New() *Demux {
	return &Demux{handlers: make(map[uint16]Handler)}
}

// Register installs the handler invoked for frames carrying etherType.
func (d *Demux) Register(etherType uint16, h Handler) {
	d.handlers[etherType] = h
}

func isZero(mac iface.HWAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

func isMulticast(mac iface.HWAddr) bool {
	return mac[0]&0x01 != 0
}

// Input validates the Ethernet header and dispatches by EtherType (spec
// §4.2). ingress is the interface the frame arrived on; pkt's head must
// point at the start of the Ethernet header.
func (d *Demux) Input(ingress *iface.Interface, pkt *buffer.PacketBuffer) error {
	if pkt.Len() < HeaderLen {
		ingress.Counters.DropRx()
		return kerr.New(kerr.ProtocolError, "ethernet.Input")
	}

	raw := pkt.Bytes()
	var dst, src iface.HWAddr
	copy(dst[:], raw[0:6])
	copy(src[:], raw[6:12])

	if isZero(src) || isMulticast(src) {
		ingress.Counters.DropRx()
		return kerr.New(kerr.ProtocolError, "ethernet.Input: bad source")
	}

	isForUs := dst == ingress.HWAddr
	isBroadcastOrMulti := dst == iface.Broadcast || isMulticast(dst)
	if !isForUs && !isBroadcastOrMulti {
		ingress.Counters.DropRx()
		return nil
	}

	etherType := binary.BigEndian.Uint16(raw[12:14])
	pkt.SetLayer(buffer.LayerL2)
	if err := pkt.Pull(HeaderLen); err != nil {
		ingress.Counters.DropRx()
		return err
	}

	if etherType == EtherTypeVLAN {
		return d.inputVLAN(ingress, pkt)
	}

	return d.dispatch(ingress, etherType, pkt)
}

func (d *Demux) inputVLAN(ingress *iface.Interface, pkt *buffer.PacketBuffer) error {
	if pkt.Len() < VLANTagLen {
		ingress.Counters.DropRx()
		return kerr.New(kerr.ProtocolError, "ethernet.inputVLAN")
	}
	raw := pkt.Bytes()
	tci := binary.BigEndian.Uint16(raw[0:2])
	vid := tci & 0x0FFF
	innerType := binary.BigEndian.Uint16(raw[2:4])

	if vid == 0 || vid == 4095 {
		ingress.Counters.DropRx()
		return kerr.New(kerr.ProtocolError, "ethernet.inputVLAN: invalid vid")
	}

	if err := pkt.Pull(VLANTagLen); err != nil {
		ingress.Counters.DropRx()
		return err
	}

	sub := ingress.VLANSubInterface(vid)
	pkt.Meta.VLANID = vid
	return d.dispatch(sub, innerType, pkt)
}

func (d *Demux) dispatch(ingress *iface.Interface, etherType uint16, pkt *buffer.PacketBuffer) error {
	h, ok := d.handlers[etherType]
	if !ok {
		ingress.Counters.DropRx()
		return nil
	}
	ingress.Counters.RecordRx(pkt.Len() + HeaderLen)
	return h(ingress, pkt)
}

// EncodeHeader writes a 14-byte Ethernet header into the buffer's headroom
// (used by the send path of every upper-layer protocol).
func EncodeHeader(pkt *buffer.PacketBuffer, dst, src iface.HWAddr, etherType uint16) error {
	hdr, err := pkt.Push(HeaderLen)
	if err != nil {
		return err
	}
	copy(hdr[0:6], dst[:])
	copy(hdr[6:12], src[:])
	binary.BigEndian.PutUint16(hdr[12:14], etherType)
	pkt.SetLayer(buffer.LayerL2)
	return nil
}
