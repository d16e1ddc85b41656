// Package udp implements the stateless UDP protocol layer (spec §4.5):
// datagram sockets indexed by (local addr, local port), ephemeral port
// allocation, and the shared pseudo-header checksum.
package udp

import (
	"encoding/binary"
	"net/netip"
	"sync"

	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netutil"
)

const (
	HeaderLen = 8

	ephemeralLo = 32768
	ephemeralHi = 65535
	// RecvQueueCap is the receive queue capacity in bytes (spec §5).
	RecvQueueCap = 64 * 1024
	Protocol     = 17
)

// Datagram is one received UDP payload plus its source, queued in receive
// order (spec §5 "writes into a socket receive queue are totally ordered").
type Datagram struct {
	Src     netip.Addr
	SrcPort uint16
	Payload []byte
}

// Endpoint is a UDP socket's protocol control block.
type Endpoint struct {
	mu sync.Mutex

	LocalAddr   netip.Addr
	LocalPort   uint16
	RemoteAddr  netip.Addr
	RemotePort  uint16
	IsConnected bool

	recvQueue    []Datagram
	recvQueueLen int
}

type endpointKey struct {
	Addr netip.Addr
	Port uint16
}

// Registry is the UDP protocol-specific lookup table (spec §4.5, §5: "UDP
// and TCP each own a registry lock").
type Registry struct {
	mu        sync.Mutex
	endpoints map[endpointKey]*Endpoint
	nextPort  uint16
}

// NewRegistry returns an empty UDP registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[endpointKey]*Endpoint),
		nextPort:  ephemeralLo,
	}
}

// Bind reserves (addr, port) for ep. port 0 allocates an ephemeral port
// using a rotating counter that skips ports already in use (spec §4.5).
func (r *Registry) Bind(ep *Endpoint, addr netip.Addr, port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port == 0 {
		p, err := r.allocEphemeralLocked(addr)
		if err != nil {
			return err
		}
		port = p
	} else {
		key := endpointKey{Addr: addr, Port: port}
		if _, exists := r.endpoints[key]; exists {
			return kerr.New(kerr.AddressInUse, "udp.Bind")
		}
	}

	ep.LocalAddr = addr
	ep.LocalPort = port
	r.endpoints[endpointKey{Addr: addr, Port: port}] = ep
	return nil
}

func (r *Registry) allocEphemeralLocked(addr netip.Addr) (uint16, error) {
	start := r.nextPort
	for {
		port := r.nextPort
		r.nextPort++
		if r.nextPort > ephemeralHi || r.nextPort < ephemeralLo {
			r.nextPort = ephemeralLo
		}

		if _, exists := r.endpoints[endpointKey{Addr: addr, Port: port}]; !exists {
			return port, nil
		}

		if r.nextPort == start {
			return 0, kerr.New(kerr.AddressNotAvailable, "udp.allocEphemeral")
		}
	}
}

// Unbind removes ep's registry entry.
func (r *Registry) Unbind(ep *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, endpointKey{Addr: ep.LocalAddr, Port: ep.LocalPort})
}

// Lookup finds the endpoint bound to (addr, port).
func (r *Registry) Lookup(addr netip.Addr, port uint16) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[endpointKey{Addr: addr, Port: port}]
	return ep, ok
}

// Deliver enqueues payload from (srcAddr, srcPort) onto ep's receive queue,
// dropping it if the queue is full or (for a connected socket) the source
// doesn't match the connected peer (spec §4.5, §5).
func (ep *Endpoint) Deliver(srcAddr netip.Addr, srcPort uint16, payload []byte) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.IsConnected && (srcAddr != ep.RemoteAddr || srcPort != ep.RemotePort) {
		return nil
	}

	if ep.recvQueueLen+len(payload) > RecvQueueCap {
		return kerr.New(kerr.ResourceExhausted, "udp.Deliver")
	}

	ep.recvQueue = append(ep.recvQueue, Datagram{Src: srcAddr, SrcPort: srcPort, Payload: payload})
	ep.recvQueueLen += len(payload)
	return nil
}

// RecvFrom pops the oldest queued datagram, or returns WouldBlock.
func (ep *Endpoint) RecvFrom() (Datagram, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.recvQueue) == 0 {
		return Datagram{}, kerr.New(kerr.WouldBlock, "udp.RecvFrom")
	}
	d := ep.recvQueue[0]
	ep.recvQueue = ep.recvQueue[1:]
	ep.recvQueueLen -= len(d.Payload)
	return d, nil
}

// Checksum computes the UDP checksum over the pseudo-header plus segment
// (spec §4.5: "same pseudo-header construction as TCP"). A zero result is
// accepted on input (checksum optional in IPv4 UDP).
func Checksum(src, dst [4]byte, segment []byte) uint16 {
	pseudo := netutil.PseudoHeaderSum(src, dst, Protocol, uint16(len(segment)))
	sum := netutil.ChecksumWithPseudoHeader(pseudo, segment)
	if sum == 0 {
		return 0xFFFF
	}
	return sum
}

// EncodeHeader serializes a UDP header (without checksum filled) in front
// of payload, suitable for passing to Checksum afterward.
func EncodeHeader(srcPort, dstPort uint16, payload []byte) []byte {
	seg := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	binary.BigEndian.PutUint16(seg[6:8], 0)
	copy(seg[HeaderLen:], payload)
	return seg
}

// DecodeHeader parses a UDP segment's header, returning src/dst ports and
// the payload slice.
func DecodeHeader(seg []byte) (srcPort, dstPort uint16, payload []byte, err error) {
	if len(seg) < HeaderLen {
		return 0, 0, nil, kerr.New(kerr.ProtocolError, "udp.DecodeHeader")
	}
	srcPort = binary.BigEndian.Uint16(seg[0:2])
	dstPort = binary.BigEndian.Uint16(seg[2:4])
	length := binary.BigEndian.Uint16(seg[4:6])
	if int(length) > len(seg) {
		return 0, 0, nil, kerr.New(kerr.ProtocolError, "udp.DecodeHeader: length")
	}
	return srcPort, dstPort, seg[HeaderLen:length], nil
}
