package netfilter

import (
	"hash/fnv"
	"net/netip"
	"sync"
	"time"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
)

// ConnState is the connection-tracking state of one flow (spec §4.9).
type ConnState int

const (
	ConnNew ConnState = iota
	ConnEstablished
	ConnRelated
	ConnInvalid
)

const (
	numBuckets = 1024
	// MaxEntries bounds total tracked flows across all buckets.
	MaxEntries = 4096

	timeoutTCPEstablished = 2 * time.Hour
	timeoutUDP            = 30 * time.Second
	timeoutICMP           = 30 * time.Second
	timeoutTCPTransitory  = 60 * time.Second
)

// FlowKey identifies one tracked flow by its 5-tuple.
type FlowKey struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Protocol         uint8
}

func (k FlowKey) bucket() uint32 {
	h := fnv.New32a()
	h.Write(k.Src.AsSlice())
	h.Write(k.Dst.AsSlice())
	var buf [5]byte
	buf[0] = byte(k.SrcPort >> 8)
	buf[1] = byte(k.SrcPort)
	buf[2] = byte(k.DstPort >> 8)
	buf[3] = byte(k.DstPort)
	buf[4] = k.Protocol
	h.Write(buf[:])
	return h.Sum32() % numBuckets
}

// Entry is one tracked flow.
type Entry struct {
	Key       FlowKey
	State     ConnState
	CreatedAt time.Time
	LastSeen  time.Time
	timeout   time.Duration
}

type bucket struct {
	mu      sync.Mutex
	entries map[FlowKey]*Entry
}

// ConnTrack is the 1024-bucket connection-tracking table (spec §4.9: "a
// fixed 1024-bucket hash table, capped at 4096 total entries").
type ConnTrack struct {
	buckets [numBuckets]*bucket
	clock   clock.Clock

	countMu sync.Mutex
	count   int
}

// NewConnTrack builds an empty table.
func NewConnTrack(c clock.Clock) *ConnTrack {
	ct := &ConnTrack{clock: c}
	for i := range ct.buckets {
		ct.buckets[i] = &bucket{entries: make(map[FlowKey]*Entry)}
	}
	return ct
}

func protocolTimeout(protocol uint8, state ConnState) time.Duration {
	switch protocol {
	case 6: // TCP
		if state == ConnEstablished {
			return timeoutTCPEstablished
		}
		return timeoutTCPTransitory
	case 17: // UDP
		return timeoutUDP
	case 1: // ICMP
		return timeoutICMP
	default:
		return timeoutUDP
	}
}

// Lookup finds the entry for key, reporting ConnInvalid via ok=false if
// absent.
func (ct *ConnTrack) Lookup(key FlowKey) (*Entry, bool) {
	b := ct.buckets[key.bucket()]
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok
}

// Track records a packet for key: creates a NEW entry on first sight,
// promotes to ESTABLISHED on the reverse-direction packet, and refreshes
// LastSeen/timeout on every call (spec §4.9).
func (ct *ConnTrack) Track(key FlowKey, reverse bool) (*Entry, error) {
	b := ct.buckets[key.bucket()]
	b.mu.Lock()
	defer b.mu.Unlock()

	now := ct.clock.Now()
	if e, ok := b.entries[key]; ok {
		if reverse && e.State == ConnNew {
			e.State = ConnEstablished
		}
		e.LastSeen = now
		e.timeout = protocolTimeout(key.Protocol, e.State)
		return e, nil
	}

	ct.countMu.Lock()
	if ct.count >= MaxEntries {
		ct.countMu.Unlock()
		return nil, kerr.New(kerr.ResourceExhausted, "netfilter.Track")
	}
	ct.count++
	ct.countMu.Unlock()

	e := &Entry{
		Key: key, State: ConnNew, CreatedAt: now, LastSeen: now,
		timeout: protocolTimeout(key.Protocol, ConnNew),
	}
	b.entries[key] = e
	return e, nil
}

// Sweep evicts entries whose per-protocol/state timeout has elapsed.
func (ct *ConnTrack) Sweep() {
	now := ct.clock.Now()
	for _, b := range ct.buckets {
		b.mu.Lock()
		for k, e := range b.entries {
			if now.Sub(e.LastSeen) >= e.timeout {
				delete(b.entries, k)
				ct.countMu.Lock()
				ct.count--
				ct.countMu.Unlock()
			}
		}
		b.mu.Unlock()
	}
}

// Count returns the total number of tracked flows.
func (ct *ConnTrack) Count() int {
	ct.countMu.Lock()
	defer ct.countMu.Unlock()
	return ct.count
}
