// Package tcp implements the TCP protocol layer (spec §4.4): per-connection
// control blocks, the RFC 793 state machine, congestion control, and the
// retransmission queue.
package tcp

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netutil"
)

const (
	HeaderLen = 20
	Protocol  = 6

	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagPSH = 0x08
	flagACK = 0x10

	// Exported flag aliases for callers outside the package building
	// Segment values directly (e.g. the socket façade's send path).
	FlagFIN = flagFIN
	FlagSYN = flagSYN
	FlagRST = flagRST
	FlagPSH = flagPSH
	FlagACK = flagACK

	// RecvQueueCap is the receive buffer cap (spec §4.4, §5).
	RecvQueueCap = 64 * 1024

	MSS = 1460

	initialRTO = 3 * time.Second
	minRTO     = 200 * time.Millisecond
	maxRTO     = 120 * time.Second

	TimeWaitDuration = 30 * time.Second
)

// State is a TCP connection state (spec §4.4).
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// FourTuple identifies a connection (spec §4.4).
type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Segment is a decoded TCP header plus payload.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	Payload          []byte
}

func (s *Segment) SYN() bool { return s.Flags&flagSYN != 0 }
func (s *Segment) ACK() bool { return s.Flags&flagACK != 0 }
func (s *Segment) FIN() bool { return s.Flags&flagFIN != 0 }
func (s *Segment) RST() bool { return s.Flags&flagRST != 0 }

// retransmitEntry is one unacknowledged sent segment retained until
// cumulatively acknowledged (spec §9 open question: retain every
// transmitted data segment until cumulative ACK).
type retransmitEntry struct {
	seq     uint32
	payload []byte
	sentAt  time.Time
	fin     bool
}

// ControlBlock is a TcpControlBlock (spec §3.1).
type ControlBlock struct {
	mu sync.Mutex

	Tuple FourTuple
	State State

	SndUna, SndNxt, SndWnd uint32
	ISS                    uint32
	RcvNxt, RcvWnd         uint32
	IRS                    uint32
	SndWL1, SndWL2         uint32

	RTO         time.Duration
	SRTT        time.Duration
	RTTVar      time.Duration
	haveRTT     bool
	CWnd        uint32
	SSThresh    uint32
	DupACKs     int
	inFastRec   bool

	retransmitQueue []retransmitEntry

	recvQueue    []byte
	recvQueueLen int

	clock clock.Clock

	// TimeWaitUntil is set when entering TIME_WAIT; the timer worker
	// transitions to CLOSED once the clock passes it.
	TimeWaitUntil time.Time
}

// NewControlBlock allocates a control block in CLOSED state with an
// arbitrary-looking ISS derived from the clock, and default congestion
// parameters (spec §4.4: "Initial congestion window = 10xMSS; slow-start
// threshold = 64 KiB").
func NewControlBlock(c clock.Clock, tuple FourTuple) *ControlBlock {
	iss := uint32(c.Now().UnixNano())
	return &ControlBlock{
		Tuple:    tuple,
		State:    StateClosed,
		ISS:      iss,
		SndUna:   iss,
		SndNxt:   iss,
		RcvWnd:   RecvQueueCap,
		RTO:      initialRTO,
		CWnd:     10 * MSS,
		SSThresh: 64 * 1024,
		clock:    c,
	}
}

// Registry is the TCP protocol-specific lookup table: connections indexed
// by the 4-tuple, listeners by (local addr|wildcard, local port) (spec
// §4.4, §9: "a proper per-protocol hash table keyed by the 4-tuple").
type Registry struct {
	mu        sync.Mutex
	conns     map[FourTuple]*ControlBlock
	listeners map[listenKey]*ControlBlock
}

type listenKey struct {
	Addr netip.Addr // zero value means wildcard
	Port uint16
}

// NewRegistry returns an empty TCP registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[FourTuple]*ControlBlock),
		listeners: make(map[listenKey]*ControlBlock),
	}
}

// Insert adds cb to the connection table.
func (r *Registry) Insert(cb *ControlBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cb.Tuple] = cb
}

// Remove deletes cb from the connection table (spec invariant: "A socket in
// CONNECTED or LISTENING state is always indexed ... the reverse also
// holds" — callers must remove on close).
func (r *Registry) Remove(tuple FourTuple) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, tuple)
}

// Lookup finds the connection for tuple.
func (r *Registry) Lookup(tuple FourTuple) (*ControlBlock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.conns[tuple]
	return cb, ok
}

// Tuples snapshots every currently-indexed connection's tuple, for the
// timer worker's sweep of retransmission/TIME_WAIT across all connections
// (spec §9).
func (r *Registry) Tuples() []FourTuple {
	r.mu.Lock()
	defer r.mu.Unlock()
	tuples := make([]FourTuple, 0, len(r.conns))
	for t := range r.conns {
		tuples = append(tuples, t)
	}
	return tuples
}

// Listen registers cb as a listener on (addr, port); addr may be the zero
// value for a wildcard bind.
func (r *Registry) Listen(addr netip.Addr, port uint16, cb *ControlBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := listenKey{Addr: addr, Port: port}
	if _, exists := r.listeners[key]; exists {
		return kerr.New(kerr.AddressInUse, "tcp.Listen")
	}
	r.listeners[key] = cb
	return nil
}

// LookupListener finds a listener for (addr, port), trying the exact
// address before the wildcard.
func (r *Registry) LookupListener(addr netip.Addr, port uint16) (*ControlBlock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.listeners[listenKey{Addr: addr, Port: port}]; ok {
		return cb, true
	}
	cb, ok := r.listeners[listenKey{Port: port}]
	return cb, ok
}

// Checksum computes the TCP checksum over the pseudo-header plus segment
// (spec §4.4).
func Checksum(src, dst [4]byte, segment []byte) uint16 {
	pseudo := netutil.PseudoHeaderSum(src, dst, Protocol, uint16(len(segment)))
	return netutil.ChecksumWithPseudoHeader(pseudo, segment)
}

// EncodeSegment serializes a TCP header (checksum left as 0; the caller
// folds it with Checksum) plus payload.
func EncodeSegment(s *Segment) []byte {
	seg := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(seg[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(seg[2:4], s.DstPort)
	binary.BigEndian.PutUint32(seg[4:8], s.Seq)
	binary.BigEndian.PutUint32(seg[8:12], s.Ack)
	seg[12] = (HeaderLen / 4) << 4
	seg[13] = s.Flags
	binary.BigEndian.PutUint16(seg[14:16], s.Window)
	binary.BigEndian.PutUint16(seg[16:18], 0) // checksum
	binary.BigEndian.PutUint16(seg[18:20], 0) // urgent pointer
	copy(seg[HeaderLen:], s.Payload)
	return seg
}

// DecodeSegment parses a TCP segment.
func DecodeSegment(raw []byte) (*Segment, error) {
	if len(raw) < HeaderLen {
		return nil, kerr.New(kerr.ProtocolError, "tcp.DecodeSegment: short")
	}
	dataOff := int(raw[12]>>4) * 4
	if dataOff < HeaderLen || dataOff > len(raw) {
		return nil, kerr.New(kerr.ProtocolError, "tcp.DecodeSegment: data offset")
	}
	return &Segment{
		SrcPort: binary.BigEndian.Uint16(raw[0:2]),
		DstPort: binary.BigEndian.Uint16(raw[2:4]),
		Seq:     binary.BigEndian.Uint32(raw[4:8]),
		Ack:     binary.BigEndian.Uint32(raw[8:12]),
		Flags:   raw[13],
		Window:  binary.BigEndian.Uint16(raw[14:16]),
		Payload: raw[dataOff:],
	}, nil
}
