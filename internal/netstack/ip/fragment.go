package ip

import (
	"net/netip"
	"sync"
	"time"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
)

// ReassemblyTimeout is how long a reassembly entry survives without
// completing (spec §4.3, §5).
const ReassemblyTimeout = 30 * time.Second

// hole is a byte range of a reassembly buffer not yet covered by any
// received fragment (RFC 815 hole descriptor algorithm, spec §4.3).
type hole struct {
	first, last int // inclusive byte offsets
}

type reassemblyKey struct {
	Src, Dst netip.Addr
	ID       uint16
	Protocol uint8
}

// reassemblyEntry is a Fragment reassembly entry (spec §3.1).
type reassemblyEntry struct {
	key        reassemblyKey
	holes      []hole
	data       []byte // grows as fragments arrive; addressed by byte offset
	totalLen   int
	haveTotal  bool
	insertedAt time.Time
}

// Reassembler holds in-flight reassembly state across all flows.
type Reassembler struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[reassemblyKey]*reassemblyEntry
}

// NewReassembler returns an empty Reassembler.
func NewReassembler(c clock.Clock) *Reassembler {
	return &Reassembler{clock: c, entries: make(map[reassemblyKey]*reassemblyEntry)}
}

// Insert feeds one fragment into the reassembler. It returns the
// reassembled payload (and ok=true) once the hole list becomes empty and
// the total length is known (spec §4.3 steps 1-4).
func (r *Reassembler) Insert(h *Header, payload []byte) (out []byte, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reassemblyKey{Src: h.Src, Dst: h.Dst, ID: h.ID, Protocol: h.Protocol}
	e, exists := r.entries[key]
	if !exists {
		e = &reassemblyEntry{
			key:        key,
			holes:      []hole{{first: 0, last: 1<<31 - 1}},
			insertedAt: r.clock.Now(),
		}
		r.entries[key] = e
	}

	offset := h.FragByteOffset()
	end := offset + len(payload) - 1
	if end < offset {
		return nil, false, kerr.New(kerr.ProtocolError, "ip.Reassembler.Insert: empty fragment")
	}

	if !h.More() {
		e.totalLen = end + 1
		e.haveTotal = true
	}

	r.growData(e, end+1)
	r.copyIntoHoles(e, offset, end, payload)

	r.punchHole(e, offset, end)

	// Once the total length is known, nothing at or past it can be a hole.
	if e.haveTotal {
		kept := e.holes[:0]
		for _, hle := range e.holes {
			if hle.first >= e.totalLen {
				continue
			}
			hle.last = min(hle.last, e.totalLen-1)
			kept = append(kept, hle)
		}
		e.holes = kept
	}

	if e.haveTotal && len(e.holes) == 0 {
		out = make([]byte, e.totalLen)
		copy(out, e.data[:e.totalLen])
		delete(r.entries, key)
		return out, true, nil
	}

	return nil, false, nil
}

func (r *Reassembler) growData(e *reassemblyEntry, size int) {
	if len(e.data) >= size {
		return
	}
	grown := make([]byte, size)
	copy(grown, e.data)
	e.data = grown
}

// copyIntoHoles writes payload bytes only into the sub-ranges of
// [first, last] still covered by a hole, so bytes a prior fragment already
// delivered are never overwritten by an overlapping later one (spec §8
// testable property 3: overlap resolves to the first-seen value).
func (r *Reassembler) copyIntoHoles(e *reassemblyEntry, first, last int, payload []byte) {
	for _, hle := range e.holes {
		lo, hi := max(first, hle.first), min(last, hle.last)
		if lo > hi {
			continue
		}
		copy(e.data[lo:hi+1], payload[lo-first:hi-first+1])
	}
}

// punchHole implements the hole descriptor update: for each hole
// overlapping [first, last], split/shrink/remove it so that range becomes
// covered.
func (r *Reassembler) punchHole(e *reassemblyEntry, first, last int) {
	next := e.holes[:0]
	for _, hle := range e.holes {
		if last < hle.first || first > hle.last {
			next = append(next, hle)
			continue
		}
		if first > hle.first {
			next = append(next, hole{first: hle.first, last: first - 1})
		}
		if last < hle.last {
			next = append(next, hole{first: last + 1, last: hle.last})
		}
	}
	e.holes = next
}

// Sweep discards reassembly entries older than ReassemblyTimeout (spec
// §4.3, §5).
func (r *Reassembler) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for key, e := range r.entries {
		if now.Sub(e.insertedAt) > ReassemblyTimeout {
			delete(r.entries, key)
		}
	}
}

// Fragment splits payload into MTU-sized chunks (a multiple of 8 bytes,
// per spec §4.3) and returns the per-fragment (header, payload) pairs in
// order, setting More-Fragments on every fragment but the last.
func Fragment(h *Header, payload []byte, mtu int) ([]*Header, [][]byte, error) {
	maxChunk := (mtu - MinHeaderLen) / 8 * 8
	if maxChunk <= 0 {
		return nil, nil, kerr.New(kerr.InvalidArgument, "ip.Fragment: mtu too small")
	}

	var headers []*Header
	var payloads [][]byte

	for off := 0; off < len(payload); off += maxChunk {
		end := off + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		frag := *h
		frag.FragOff = uint16(off / 8)
		if end < len(payload) {
			frag.Flags |= flagMF
		} else {
			frag.Flags &^= flagMF
		}
		headers = append(headers, &frag)
		payloads = append(payloads, payload[off:end])
	}

	return headers, payloads, nil
}

// FragmentsNeeded reports whether payload exceeds mtu and would require
// fragmentation to send.
func FragmentsNeeded(payloadLen, mtu int) bool {
	return MinHeaderLen+payloadLen > mtu
}
