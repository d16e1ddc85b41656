// Package iface models NetInterface and the LinkIO callback boundary (spec
// §3.1, §4.2, §6). Real device drivers are out of scope; send/recv/ioctl
// are plain callbacks a test or a future driver adapter can install.
package iface

import (
	"net/netip"
	"sync"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/stats"
)

// Flags are the NetInterface administrative/operational flags.
type Flags uint32

const (
	FlagUp Flags = 1 << iota
	FlagLoopback
	FlagRunning
	FlagBroadcast
)

// HWAddr is a 6-byte hardware (MAC) address.
type HWAddr [6]byte

// Broadcast is the Ethernet broadcast address.
var Broadcast = HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// SendFunc is invoked for every outbound fully-framed packet. It takes
// ownership of pkt (spec §6: "the callback takes ownership of the
// packet").
type SendFunc func(iface *Interface, pkt *buffer.PacketBuffer) error

// IoctlFunc handles an out-of-band device control request.
type IoctlFunc func(iface *Interface, request string, arg any) error

// Interface is a NetInterface (spec §3.1).
type Interface struct {
	mu sync.Mutex

	Name      string // at most 15 chars
	Index     int
	Flags     Flags
	HWAddr    HWAddr
	Addr      netip.Addr
	Mask      uint32 // contiguous genmask, host byte order bit-count semantics via netutil
	Broadcast netip.Addr
	MTU       int

	Counters stats.Counters

	Send  SendFunc
	Recv  func(iface *Interface, pkt *buffer.PacketBuffer) error
	Ioctl IoctlFunc

	// VLANs maps VID to a logical sub-interface sharing this interface's
	// physical send path (spec §4.2 VLAN handling).
	VLANs map[uint16]*Interface
}

// New creates an interface. name must be at most 15 characters, matching
// spec §3.1.
func New(name string, index int, hw HWAddr, mtu int) (*Interface, error) {
	if len(name) == 0 || len(name) > 15 {
		return nil, kerr.New(kerr.InvalidArgument, "iface.New")
	}
	return &Interface{
		Name:   name,
		Index:  index,
		HWAddr: hw,
		MTU:    mtu,
		VLANs:  make(map[uint16]*Interface),
	}, nil
}

// IsUp reports whether the interface is administratively up.
func (i *Interface) IsUp() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Flags&FlagUp != 0
}

// SetUp marks the interface up and running.
func (i *Interface) SetUp() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Flags |= FlagUp | FlagRunning
}

// SetDown clears the up/running flags.
func (i *Interface) SetDown() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Flags &^= FlagUp | FlagRunning
}

// Configure assigns the interface's IPv4 address and netmask, and derives
// the broadcast address.
func (i *Interface) Configure(addr netip.Addr, maskBits int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Addr = addr
	i.Mask = maskFromBits(maskBits)
	i.Broadcast = broadcast(addr, i.Mask)
	i.Flags |= FlagBroadcast
}

func maskFromBits(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return 0xFFFFFFFF
	}
	return ^uint32(0) << (32 - uint(bits))
}

func broadcast(addr netip.Addr, mask uint32) netip.Addr {
	b := addr.As4()
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	v |= ^mask
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// TransmitRaw invokes the installed Send callback, accounting tx counters.
// In tests without hardware, implementations may pass a Send that merely
// updates counters and releases the buffer, per spec §4.2.
func (i *Interface) TransmitRaw(pkt *buffer.PacketBuffer) error {
	i.Counters.RecordTx(pkt.Len())
	if i.Send == nil {
		pkt.Free()
		return nil
	}
	return i.Send(i, pkt)
}

// VLANSubInterface returns (creating if necessary) the logical
// sub-interface for the given VLAN ID.
func (i *Interface) VLANSubInterface(vid uint16) *Interface {
	i.mu.Lock()
	defer i.mu.Unlock()
	if sub, ok := i.VLANs[vid]; ok {
		return sub
	}
	sub := &Interface{
		Name:   i.Name,
		Index:  i.Index,
		HWAddr: i.HWAddr,
		MTU:    i.MTU,
		Flags:  i.Flags,
	}
	i.VLANs[vid] = sub
	return sub
}
