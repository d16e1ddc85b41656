// Package buffer implements PacketBuffer (spec §4.1): a contiguous byte
// arena with head/tail cursors so headers can be pushed (prepended) and
// pulled (consumed) without copying, and per-layer header offsets stored as
// byte indices rather than raw pointers so the buffer can be relocated
// safely (spec §9: "Replace by a PacketBuffer abstraction carrying byte
// offsets and a bounds-checked slice view per layer").
package buffer

import (
	"time"

	"github.com/vkernel/vkernel/internal/kerr"
)

// Layer names an index into PacketBuffer's per-layer header offset table.
type Layer int

const (
	LayerL2 Layer = iota
	LayerL3
	LayerL4
	LayerL7
	numLayers
)

// Meta carries the ingress/egress bookkeeping attached to a buffer.
type Meta struct {
	IngressIfIndex int
	EgressIfIndex  int
	Timestamp      time.Time
	// VLANID is non-zero when the frame arrived tagged (spec §4.2 VLAN
	// handling).
	VLANID uint16
}

// PacketBuffer is a byte arena with a head offset and tail offset into a
// backing array. Push and Pull fail rather than move past the array's ends;
// Put does not fail at the end of the array but grows it to fit the
// appended data. All offsets are relative to the start of
// buf, so the struct may be copied or moved without invalidating any stored
// layer offset (spec invariant 1: layer offsets always lie in [head, tail)).
type PacketBuffer struct {
	buf  []byte
	head int
	tail int

	offsets   [numLayers]int
	haveLayer [numLayers]bool

	Meta Meta
}

// Allocate returns a new PacketBuffer with the given capacity. head and tail
// both start at the midpoint so there is headroom to Push() link-layer
// headers without having reserved them up front, matching how real stacks
// allocate mbufs with headroom.
func Allocate(capacity int) *PacketBuffer {
	if capacity <= 0 {
		capacity = 2048
	}
	return &PacketBuffer{
		buf:  make([]byte, capacity),
		head: capacity / 2,
		tail: capacity / 2,
	}
}

// FromBytes wraps data as the payload of a new buffer with no headroom,
// used when constructing a buffer from a fully-formed wire frame (e.g. in
// recv paths and tests).
func FromBytes(data []byte) *PacketBuffer {
	return &PacketBuffer{
		buf:  data,
		head: 0,
		tail: len(data),
	}
}

// Len returns the number of bytes currently stored between head and tail.
func (p *PacketBuffer) Len() int {
	return p.tail - p.head
}

// Cap returns the backing array's total capacity.
func (p *PacketBuffer) Cap() int {
	return len(p.buf)
}

// Bytes returns the live slice [head, tail). Callers must not retain it
// across a subsequent Push/Pull/Put, since those can reallocate.
func (p *PacketBuffer) Bytes() []byte {
	return p.buf[p.head:p.tail]
}

// Put appends data at the tail, growing the backing array if necessary.
func (p *PacketBuffer) Put(data []byte) error {
	need := p.tail + len(data)
	if need > len(p.buf) {
		grown := make([]byte, need)
		copy(grown, p.buf)
		p.buf = grown
	}
	copy(p.buf[p.tail:need], data)
	p.tail = need
	return nil
}

// Push reserves n bytes immediately before head (for prepending a header)
// and returns the slice to fill in. It fails with InvalidArgument if head
// has insufficient headroom.
func (p *PacketBuffer) Push(n int) ([]byte, error) {
	if n < 0 || n > p.head {
		return nil, kerr.New(kerr.InvalidArgument, "buffer.Push")
	}
	p.head -= n
	return p.buf[p.head : p.head+n], nil
}

// Pull advances head by n, consuming n bytes from the front. It fails with
// InvalidArgument if n exceeds the current payload length.
func (p *PacketBuffer) Pull(n int) error {
	if n < 0 || p.head+n > p.tail {
		return kerr.New(kerr.InvalidArgument, "buffer.Pull")
	}
	p.head += n
	return nil
}

// SetLayer records the current head as the start of layer l. Used
// immediately after Push (on send) or immediately before Pull (on receive)
// to mark where that layer's header begins.
func (p *PacketBuffer) SetLayer(l Layer) {
	p.offsets[l] = p.head
	p.haveLayer[l] = true
}

// LayerOffset returns the recorded offset for layer l, if set.
func (p *PacketBuffer) LayerOffset(l Layer) (int, bool) {
	return p.offsets[l], p.haveLayer[l]
}

// LayerBytes returns the bytes from the start of layer l to the current
// tail, if l was recorded.
func (p *PacketBuffer) LayerBytes(l Layer) ([]byte, bool) {
	if !p.haveLayer[l] {
		return nil, false
	}
	return p.buf[p.offsets[l]:p.tail], true
}

// Clone returns a deep copy of the buffer, including layer offsets and
// metadata, used when a packet must be retained on a retransmission queue
// independent of further mutation of the original.
func (p *PacketBuffer) Clone() *PacketBuffer {
	cp := &PacketBuffer{
		buf:       make([]byte, len(p.buf)),
		head:      p.head,
		tail:      p.tail,
		offsets:   p.offsets,
		haveLayer: p.haveLayer,
		Meta:      p.Meta,
	}
	copy(cp.buf, p.buf)
	return cp
}

// Free releases the buffer. Real implementations would return it to a pool;
// this simulation has no fixed-size pool, so Free only drops the backing
// array and resets head and tail to zero, leaving an empty buffer (spec
// §3.1: "freed on final drop").
func (p *PacketBuffer) Free() {
	p.buf = nil
	p.head, p.tail = 0, 0
}

// Valid reports whether the buffer's invariant (spec invariant 1) holds:
// 0 <= head <= tail <= capacity, and every set layer offset lies in
// [head, tail).
func (p *PacketBuffer) Valid() bool {
	if p.head < 0 || p.head > p.tail || p.tail > len(p.buf) {
		return false
	}
	for l := Layer(0); l < numLayers; l++ {
		if p.haveLayer[l] {
			if p.offsets[l] < p.head || p.offsets[l] >= p.tail {
				return false
			}
		}
	}
	return true
}
