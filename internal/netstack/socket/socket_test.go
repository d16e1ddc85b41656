package socket

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/netstack/tcp"
	"github.com/vkernel/vkernel/internal/netstack/udp"
)

func Test_UDPBindConnectSendRecv(t *testing.T) {
	udpReg := udp.NewRegistry()
	tcpReg := tcp.NewRegistry()

	s, err := New(DomainInet, TypeDgram, int(udp.Protocol), nil, udpReg, tcpReg)
	require.NoError(t, err)
	require.NoError(t, s.Bind(netip.MustParseAddr("10.0.0.1"), 5000))

	peer, err := New(DomainInet, TypeDgram, int(udp.Protocol), nil, udpReg, tcpReg)
	require.NoError(t, err)
	require.NoError(t, peer.Bind(netip.MustParseAddr("10.0.0.2"), 6000))

	require.NoError(t, s.Connect(netip.MustParseAddr("10.0.0.2"), 6000))
	n, err := s.Send([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// deliver directly into peer's endpoint, bypassing the IP layer (nil
	// stack means sendToLocked skips transmission).
	require.NoError(t, peer.udpEndpoint.Deliver(netip.MustParseAddr("10.0.0.1"), 5000, []byte("hi")))

	addr, port, payload, err := peer.RecvFrom()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), addr)
	assert.Equal(t, uint16(5000), port)
	assert.Equal(t, "hi", string(payload))
}

func Test_TCPListenAcceptRoundTrip(t *testing.T) {
	udpReg := udp.NewRegistry()
	tcpReg := tcp.NewRegistry()

	listener, err := New(DomainInet, TypeStream, int(tcp.Protocol), nil, udpReg, tcpReg)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(netip.MustParseAddr("10.0.0.2"), 80))
	require.NoError(t, listener.Listen(16))
	assert.Equal(t, StateListening, listener.State)

	tuple := tcp.FourTuple{
		LocalAddr: netip.MustParseAddr("10.0.0.2"), LocalPort: 80,
		RemoteAddr: netip.MustParseAddr("10.0.0.1"), RemotePort: 40000,
	}
	syn := &tcp.Segment{SrcPort: 40000, DstPort: 80, Seq: 1, Flags: tcp.FlagSYN, Window: 65535}
	resp, derived, err := tcp.HandleSegment(listener.tcpControlBlock, listener.tcpControlBlock, tuple, syn)
	require.NoError(t, err)
	require.NotNil(t, derived)
	listener.deliverIncomingSYN(derived)

	ack := &tcp.Segment{SrcPort: 40000, DstPort: 80, Seq: 2, Ack: resp.Seq + 1, Flags: tcp.FlagACK, Window: 65535}
	_, _, err = tcp.HandleSegment(derived, nil, tuple, ack)
	require.NoError(t, err)
	assert.Equal(t, tcp.StateEstablished, derived.State)

	child, err := listener.Accept()
	require.NoError(t, err)
	assert.Equal(t, StateConnected, child.State)
}

func Test_LookupListenerFindsAndForgetsOnClose(t *testing.T) {
	udpReg := udp.NewRegistry()
	tcpReg := tcp.NewRegistry()

	listener, err := New(DomainInet, TypeStream, int(tcp.Protocol), nil, udpReg, tcpReg)
	require.NoError(t, err)
	addr := netip.MustParseAddr("10.0.0.2")
	require.NoError(t, listener.Bind(addr, 80))
	require.NoError(t, listener.Listen(16))

	found, ok := LookupListener(addr, 80)
	require.True(t, ok)
	assert.Same(t, listener, found)

	require.NoError(t, listener.Close())
	_, ok = LookupListener(addr, 80)
	assert.False(t, ok)
}

func Test_DeliverIncomingSYNAddsToAcceptBacklog(t *testing.T) {
	udpReg := udp.NewRegistry()
	tcpReg := tcp.NewRegistry()

	listener, err := New(DomainInet, TypeStream, int(tcp.Protocol), nil, udpReg, tcpReg)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(netip.MustParseAddr("10.0.0.2"), 80))
	require.NoError(t, listener.Listen(16))

	tuple := tcp.FourTuple{
		LocalAddr: netip.MustParseAddr("10.0.0.2"), LocalPort: 80,
		RemoteAddr: netip.MustParseAddr("10.0.0.1"), RemotePort: 40000,
	}
	syn := &tcp.Segment{SrcPort: 40000, DstPort: 80, Seq: 1, Flags: tcp.FlagSYN, Window: 65535}
	_, derived, err := tcp.HandleSegment(listener.tcpControlBlock, listener.tcpControlBlock, tuple, syn)
	require.NoError(t, err)

	listener.DeliverIncomingSYN(derived)
	assert.Len(t, listener.pendingAccepts, 1)
}

func Test_SetGetSockOpt(t *testing.T) {
	udpReg := udp.NewRegistry()
	tcpReg := tcp.NewRegistry()
	s, err := New(DomainInet, TypeDgram, int(udp.Protocol), nil, udpReg, tcpReg)
	require.NoError(t, err)

	require.NoError(t, s.SetSockOpt(OptReuseAddr, 1))
	v, err := s.GetSockOpt(OptReuseAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = s.GetSockOpt(Option(999))
	require.Error(t, err)
}
