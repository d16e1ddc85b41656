// Package socket implements the protocol-uniform socket façade (spec §4.6):
// a single bind/listen/accept/connect/send/recv/shutdown/close surface over
// both the UDP and TCP protocol layers.
package socket

import (
	"net/netip"
	"sync"
	"time"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/tcp"
	"github.com/vkernel/vkernel/internal/netstack/udp"
	"github.com/vkernel/vkernel/internal/stats"
)

// Domain is the socket address family; only IPv4 is modeled (spec §4.1).
type Domain int

const DomainInet Domain = 1

// unspecifiedAddr is 0.0.0.0, used as the wildcard local address for an
// unbound socket that sends before it binds (spec §4.6). net/netip has no
// IPv4Unspecified constructor; AddrFrom4 of the zero array is the valid
// 0.0.0.0 address (not to be confused with the invalid zero netip.Addr{}).
var unspecifiedAddr = netip.AddrFrom4([4]byte{})

// Type selects the transport semantics.
type Type int

const (
	TypeStream Type = iota + 1 // SOCK_STREAM -> TCP
	TypeDgram                  // SOCK_DGRAM  -> UDP
)

// Option is a recognized setsockopt/getsockopt name (spec §4.6).
type Option int

const (
	OptReuseAddr Option = iota + 1
	OptKeepAlive
	OptNoDelay
	OptRcvTimeo
	OptSndTimeo
	OptRcvBuf
	OptSndBuf
)

// State mirrors the socket's coarse lifecycle independent of the underlying
// protocol control block's own state machine (spec §4.6).
type State int

const (
	StateUnbound State = iota
	StateBound
	StateListening
	StateConnected
	StateClosed
)

// Socket is one open socket descriptor's protocol-independent state.
type Socket struct {
	mu sync.Mutex

	Domain   Domain
	Type     Type
	Protocol int
	State    State

	reuseAddr bool
	keepAlive bool
	noDelay   bool
	rcvTimeo  time.Duration
	sndTimeo  time.Duration
	rcvBuf    int
	sndBuf    int

	udpEndpoint *udp.Endpoint
	udpRegistry *udp.Registry

	tcpControlBlock *tcp.ControlBlock
	tcpRegistry     *tcp.Registry
	tcpListenAddr   netip.Addr
	tcpListenPort   uint16
	pendingAccepts  []*tcp.ControlBlock

	stack *ip.Stack
	clock clock.Clock

	Counters stats.Counters
}

func tcpClockOf(s *Socket) clock.Clock {
	if s.clock != nil {
		return s.clock
	}
	return clock.Real{}
}

// New allocates a socket of the given domain/type/protocol (spec §4.6
// "socket(domain, type, protocol)").
func New(domain Domain, typ Type, protocol int, stack *ip.Stack, udpReg *udp.Registry, tcpReg *tcp.Registry) (*Socket, error) {
	if domain != DomainInet {
		return nil, kerr.New(kerr.InvalidArgument, "socket.New: domain")
	}
	if typ != TypeStream && typ != TypeDgram {
		return nil, kerr.New(kerr.InvalidArgument, "socket.New: type")
	}
	return &Socket{
		Domain: domain, Type: typ, Protocol: protocol,
		State: StateUnbound,
		rcvBuf: udp.RecvQueueCap, sndBuf: udp.RecvQueueCap,
		stack: stack, udpRegistry: udpReg, tcpRegistry: tcpReg,
	}, nil
}

// Bind reserves a local address/port (spec §4.6 "bind").
func (s *Socket) Bind(addr netip.Addr, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateUnbound {
		return kerr.New(kerr.InvalidArgument, "socket.Bind: already bound")
	}

	switch s.Type {
	case TypeDgram:
		s.udpEndpoint = &udp.Endpoint{}
		if err := s.udpRegistry.Bind(s.udpEndpoint, addr, port); err != nil {
			return err
		}
	case TypeStream:
		s.tcpListenAddr, s.tcpListenPort = addr, port
	}
	s.State = StateBound
	return nil
}

// Listen marks a bound stream socket as a listener (spec §4.6 "listen").
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Type != TypeStream {
		return kerr.New(kerr.InvalidArgument, "socket.Listen: not stream")
	}
	if s.State != StateBound {
		return kerr.New(kerr.InvalidArgument, "socket.Listen: not bound")
	}

	cb := tcp.NewControlBlock(tcpClockOf(s), tcp.FourTuple{LocalAddr: s.tcpListenAddr, LocalPort: s.tcpListenPort})
	cb.OpenListen()
	if err := s.tcpRegistry.Listen(s.tcpListenAddr, s.tcpListenPort, cb); err != nil {
		return err
	}
	s.tcpControlBlock = cb
	s.State = StateListening
	registerListener(s.tcpListenAddr, s.tcpListenPort, s)
	return nil
}

// listenerKey indexes the package-level listener registry below.
type listenerKey struct {
	Addr netip.Addr
	Port uint16
}

var (
	listenerRegistryMu sync.Mutex
	listenerRegistry   = map[listenerKey]*Socket{}
)

func registerListener(addr netip.Addr, port uint16, s *Socket) {
	listenerRegistryMu.Lock()
	defer listenerRegistryMu.Unlock()
	listenerRegistry[listenerKey{Addr: addr, Port: port}] = s
}

func unregisterListener(addr netip.Addr, port uint16) {
	listenerRegistryMu.Lock()
	defer listenerRegistryMu.Unlock()
	delete(listenerRegistry, listenerKey{Addr: addr, Port: port})
}

// LookupListener finds the listening Socket bound to addr:port (falling
// back to the wildcard address), the way the kernel façade's TCP upper
// handler routes a derived SYN connection into the right Accept backlog
// without the ip/tcp layers needing to know about the socket façade.
func LookupListener(addr netip.Addr, port uint16) (*Socket, bool) {
	listenerRegistryMu.Lock()
	defer listenerRegistryMu.Unlock()
	if s, ok := listenerRegistry[listenerKey{Addr: addr, Port: port}]; ok {
		return s, true
	}
	s, ok := listenerRegistry[listenerKey{Port: port}]
	return s, ok
}

// DeliverIncomingSYN is deliverIncomingSYN's exported form, for the kernel
// façade's dispatch path (outside this package).
func (s *Socket) DeliverIncomingSYN(derived *tcp.ControlBlock) {
	s.deliverIncomingSYN(derived)
}

// Accept pops a completed incoming connection off the listener's backlog,
// or WouldBlock if none are ready (spec §4.6 "accept").
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateListening {
		return nil, kerr.New(kerr.InvalidArgument, "socket.Accept: not listening")
	}
	if len(s.pendingAccepts) == 0 {
		return nil, kerr.New(kerr.WouldBlock, "socket.Accept")
	}
	cb := s.pendingAccepts[0]
	s.pendingAccepts = s.pendingAccepts[1:]

	child := &Socket{
		Domain: s.Domain, Type: TypeStream, Protocol: s.Protocol,
		State: StateConnected, tcpControlBlock: cb, tcpRegistry: s.tcpRegistry,
		stack: s.stack, rcvBuf: s.rcvBuf, sndBuf: s.sndBuf,
	}
	return child, nil
}

// deliverIncomingSYN is called by the registry/dispatch path when a SYN
// arrives for this listener; it stores the derived control block for the
// next Accept once the handshake completes.
func (s *Socket) deliverIncomingSYN(derived *tcp.ControlBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcpRegistry.Insert(derived)
	s.pendingAccepts = append(s.pendingAccepts, derived)
}

// Connect initiates (stream) or fixes the peer of (dgram) a socket (spec
// §4.6 "connect").
func (s *Socket) Connect(addr netip.Addr, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Type {
	case TypeDgram:
		if s.udpEndpoint == nil {
			s.udpEndpoint = &udp.Endpoint{}
			if err := s.udpRegistry.Bind(s.udpEndpoint, unspecifiedAddr, 0); err != nil {
				return err
			}
		}
		s.udpEndpoint.RemoteAddr = addr
		s.udpEndpoint.RemotePort = port
		s.udpEndpoint.IsConnected = true
		s.State = StateConnected
		return nil

	case TypeStream:
		if s.State == StateConnected {
			return kerr.New(kerr.AlreadyConnected, "socket.Connect")
		}
		tuple := tcp.FourTuple{LocalAddr: s.tcpListenAddr, LocalPort: s.tcpListenPort, RemoteAddr: addr, RemotePort: port}
		cb := tcp.NewControlBlock(tcpClockOf(s), tuple)
		cb.OpenActive()
		s.tcpRegistry.Insert(cb)
		s.tcpControlBlock = cb
		s.State = StateConnected
		return nil
	}
	return kerr.New(kerr.InvalidArgument, "socket.Connect")
}

// Send writes payload to the connected peer (spec §4.6 "send").
func (s *Socket) Send(payload []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateConnected {
		return 0, kerr.New(kerr.NotConnected, "socket.Send")
	}
	switch s.Type {
	case TypeDgram:
		return s.sendToLocked(s.udpEndpoint.RemoteAddr, s.udpEndpoint.RemotePort, payload)
	case TypeStream:
		return s.streamSendLocked(payload)
	}
	return 0, kerr.New(kerr.InvalidArgument, "socket.Send")
}

// SendTo writes payload to an explicit destination (dgram only; spec §4.6
// "sendto").
func (s *Socket) SendTo(addr netip.Addr, port uint16, payload []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Type != TypeDgram {
		return 0, kerr.New(kerr.InvalidArgument, "socket.SendTo: not dgram")
	}
	return s.sendToLocked(addr, port, payload)
}

func (s *Socket) sendToLocked(addr netip.Addr, port uint16, payload []byte) (int, error) {
	if s.udpEndpoint == nil {
		s.udpEndpoint = &udp.Endpoint{}
		if err := s.udpRegistry.Bind(s.udpEndpoint, unspecifiedAddr, 0); err != nil {
			return 0, err
		}
	}
	if s.stack != nil {
		seg := udp.EncodeHeader(s.udpEndpoint.LocalPort, port, payload)
		h := &ip.Header{Dst: addr, Protocol: udp.Protocol}
		if err := s.stack.SendIPPacket(h, seg); err != nil {
			return 0, err
		}
	}
	s.Counters.RecordTx(len(payload))
	return len(payload), nil
}

func (s *Socket) streamSendLocked(payload []byte) (int, error) {
	cb := s.tcpControlBlock
	if cb.State != tcp.StateEstablished {
		return 0, kerr.New(kerr.NotConnected, "socket.Send: not established")
	}
	if s.stack != nil {
		seg := &tcp.Segment{
			SrcPort: cb.Tuple.LocalPort, DstPort: cb.Tuple.RemotePort,
			Seq: cb.SndNxt, Ack: cb.RcvNxt, Flags: tcp.FlagACK | tcp.FlagPSH, Window: uint16(cb.RcvWnd),
			Payload: payload,
		}
		raw := tcp.EncodeSegment(seg)
		h := &ip.Header{Dst: cb.Tuple.RemoteAddr, Protocol: tcp.Protocol}
		if err := s.stack.SendIPPacket(h, raw); err != nil {
			return 0, err
		}
		cb.EnqueueSentData(payload)
	}
	s.Counters.RecordTx(len(payload))
	return len(payload), nil
}

// Recv reads from the connected peer (spec §4.6 "recv").
func (s *Socket) Recv(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.Type {
	case TypeDgram:
		d, err := s.recvFromLocked()
		if err != nil {
			return nil, err
		}
		return d, nil
	case TypeStream:
		if s.tcpControlBlock == nil {
			return nil, kerr.New(kerr.NotConnected, "socket.Recv")
		}
		return s.tcpControlBlock.Recv(max)
	}
	return nil, kerr.New(kerr.InvalidArgument, "socket.Recv")
}

// RecvFrom reads the next datagram plus its source (dgram only; spec §4.6
// "recvfrom").
func (s *Socket) RecvFrom() (netip.Addr, uint16, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Type != TypeDgram {
		return netip.Addr{}, 0, nil, kerr.New(kerr.InvalidArgument, "socket.RecvFrom: not dgram")
	}
	if s.udpEndpoint == nil {
		return netip.Addr{}, 0, nil, kerr.New(kerr.WouldBlock, "socket.RecvFrom")
	}
	d, err := s.udpEndpoint.RecvFrom()
	if err != nil {
		return netip.Addr{}, 0, nil, err
	}
	s.Counters.RecordRx(len(d.Payload))
	return d.Src, d.SrcPort, d.Payload, nil
}

func (s *Socket) recvFromLocked() ([]byte, error) {
	if s.udpEndpoint == nil {
		return nil, kerr.New(kerr.WouldBlock, "socket.Recv")
	}
	d, err := s.udpEndpoint.RecvFrom()
	if err != nil {
		return nil, err
	}
	s.Counters.RecordRx(len(d.Payload))
	return d.Payload, nil
}

// GetSockOpt reads a socket option (spec §4.6 "getsockopt").
func (s *Socket) GetSockOpt(opt Option) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case OptReuseAddr:
		return boolToInt(s.reuseAddr), nil
	case OptKeepAlive:
		return boolToInt(s.keepAlive), nil
	case OptNoDelay:
		return boolToInt(s.noDelay), nil
	case OptRcvTimeo:
		return int(s.rcvTimeo / time.Millisecond), nil
	case OptSndTimeo:
		return int(s.sndTimeo / time.Millisecond), nil
	case OptRcvBuf:
		return s.rcvBuf, nil
	case OptSndBuf:
		return s.sndBuf, nil
	default:
		// spec §4.6 names ENOPROTOOPT for unrecognized options; the
		// kind set has no dedicated member so this maps onto
		// InvalidArgument (see DESIGN.md).
		return 0, kerr.New(kerr.InvalidArgument, "socket.GetSockOpt: unrecognized option")
	}
}

// SetSockOpt writes a socket option (spec §4.6 "setsockopt").
func (s *Socket) SetSockOpt(opt Option, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case OptReuseAddr:
		s.reuseAddr = value != 0
	case OptKeepAlive:
		s.keepAlive = value != 0
	case OptNoDelay:
		s.noDelay = value != 0
	case OptRcvTimeo:
		s.rcvTimeo = time.Duration(value) * time.Millisecond
	case OptSndTimeo:
		s.sndTimeo = time.Duration(value) * time.Millisecond
	case OptRcvBuf:
		s.rcvBuf = value
	case OptSndBuf:
		s.sndBuf = value
	default:
		return kerr.New(kerr.InvalidArgument, "socket.SetSockOpt: unrecognized option")
	}
	return nil
}

// Shutdown half-closes a stream socket (spec §4.6 "shutdown").
func (s *Socket) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Type == TypeStream && s.tcpControlBlock != nil {
		s.tcpControlBlock.CloseActive()
	}
	return nil
}

// Close releases the socket's registry entries (spec §4.6 "close").
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.Type {
	case TypeDgram:
		if s.udpEndpoint != nil {
			s.udpRegistry.Unbind(s.udpEndpoint)
		}
	case TypeStream:
		if s.State == StateListening {
			unregisterListener(s.tcpListenAddr, s.tcpListenPort)
		}
		if s.tcpControlBlock != nil {
			if s.tcpControlBlock.State == tcp.StateEstablished {
				s.tcpControlBlock.CloseActive()
			}
			s.tcpRegistry.Remove(s.tcpControlBlock.Tuple)
		}
	}
	s.State = StateClosed
	return nil
}

// Stats returns a snapshot of this socket's traffic counters (spec §3
// supplemental Socket.Stats()).
func (s *Socket) Stats() stats.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Counters.Snapshot()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
