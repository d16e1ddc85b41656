// Package ip implements IPv4 input, forwarding, fragmentation, and
// reassembly (spec §4.3).
package ip

import (
	"encoding/binary"
	"net/netip"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netutil"
)

const (
	MinHeaderLen = 20
	MaxHeaderLen = 60

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17

	flagDF = 0x2
	flagMF = 0x1
)

// Header is a decoded IPv4 header.
type Header struct {
	Version  uint8
	IHL      uint8 // in bytes
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    uint8
	FragOff  uint16 // in 8-byte units
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      netip.Addr
	Dst      netip.Addr
}

// ParseHeader validates and decodes the IPv4 header at the front of raw.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < MinHeaderLen {
		return nil, kerr.New(kerr.ProtocolError, "ip.ParseHeader: short")
	}
	version := raw[0] >> 4
	ihl := int(raw[0]&0x0F) * 4
	if version != 4 {
		return nil, kerr.New(kerr.ProtocolError, "ip.ParseHeader: version")
	}
	if ihl < MinHeaderLen || ihl > MaxHeaderLen || ihl > len(raw) {
		return nil, kerr.New(kerr.ProtocolError, "ip.ParseHeader: ihl")
	}

	totalLen := binary.BigEndian.Uint16(raw[2:4])
	if int(totalLen) > len(raw) {
		return nil, kerr.New(kerr.ProtocolError, "ip.ParseHeader: total length")
	}

	if netutil.Checksum(raw[:ihl]) != 0 {
		return nil, kerr.New(kerr.ProtocolError, "ip.ParseHeader: checksum")
	}

	flagsFrag := binary.BigEndian.Uint16(raw[6:8])

	src, _ := netip.AddrFromSlice(raw[12:16])
	dst, _ := netip.AddrFromSlice(raw[16:20])

	return &Header{
		Version:  version,
		IHL:      uint8(ihl),
		TOS:      raw[1],
		TotalLen: totalLen,
		ID:       binary.BigEndian.Uint16(raw[4:6]),
		Flags:    uint8(flagsFrag >> 13),
		FragOff:  flagsFrag & 0x1FFF,
		TTL:      raw[8],
		Protocol: raw[9],
		Checksum: binary.BigEndian.Uint16(raw[10:12]),
		Src:      src.Unmap(),
		Dst:      dst.Unmap(),
	}, nil
}

// EncodeHeader serializes h (with IHL fixed at MinHeaderLen, no options)
// into the buffer's headroom and recomputes the checksum.
func EncodeHeader(pkt *buffer.PacketBuffer, h *Header, payloadLen int) error {
	raw, err := pkt.Push(MinHeaderLen)
	if err != nil {
		return err
	}
	raw[0] = 0x45
	raw[1] = h.TOS
	binary.BigEndian.PutUint16(raw[2:4], uint16(MinHeaderLen+payloadLen))
	binary.BigEndian.PutUint16(raw[4:6], h.ID)
	binary.BigEndian.PutUint16(raw[6:8], uint16(h.Flags)<<13|h.FragOff)
	raw[8] = h.TTL
	raw[9] = h.Protocol
	binary.BigEndian.PutUint16(raw[10:12], 0)
	srcB := h.Src.As4()
	dstB := h.Dst.As4()
	copy(raw[12:16], srcB[:])
	copy(raw[16:20], dstB[:])

	sum := netutil.Checksum(raw)
	binary.BigEndian.PutUint16(raw[10:12], sum)

	pkt.SetLayer(buffer.LayerL3)
	return nil
}

// More reports whether the More-Fragments flag is set.
func (h *Header) More() bool { return h.Flags&flagMF != 0 }

// DontFragment reports whether the Don't-Fragment flag is set.
func (h *Header) DontFragment() bool { return h.Flags&flagDF != 0 }

// FragByteOffset returns the fragment's byte offset (FragOff is in 8-byte
// units per RFC 791).
func (h *Header) FragByteOffset() int { return int(h.FragOff) * 8 }

// IsFragment reports whether h is part of a fragmented datagram.
func (h *Header) IsFragment() bool {
	return h.More() || h.FragByteOffset() != 0
}

// LocalAddrChecker reports whether addr belongs to this host (one of its
// interface addresses or a broadcast address), used to decide local vs.
// forward (spec §4.3 Input).
type LocalAddrChecker func(addr netip.Addr) bool

// IsLocal reports whether addr is one of ifc's own addresses or its
// broadcast address.
func IsLocal(ifc *iface.Interface, addr netip.Addr) bool {
	return addr == ifc.Addr || addr == ifc.Broadcast
}
