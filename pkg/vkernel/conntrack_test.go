package vkernel

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/netfilter"
	"github.com/vkernel/vkernel/internal/netstack/route"
	"github.com/vkernel/vkernel/internal/netstack/udp"
)

func Test_CanonicalFlowKeyAgreesAcrossDirections(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	fwdKey, fwdReverse := canonicalFlowKey(a, 1000, b, 53, ip.ProtoUDP)
	revKey, revReverse := canonicalFlowKey(b, 53, a, 1000, ip.ProtoUDP)

	assert.Equal(t, fwdKey, revKey)
	assert.False(t, fwdReverse)
	assert.True(t, revReverse)
}

func newConnTrackTestStack(t *testing.T) (*ip.Stack, *iface.Interface, *netfilter.ConnTrack) {
	t.Helper()
	ifc, err := iface.New("eth0", 0, iface.HWAddr{0, 1, 2, 3, 4, 5}, 1500)
	require.NoError(t, err)
	ifc.Configure(netip.MustParseAddr("10.0.0.1"), 24)
	ifc.SetUp()

	routes := route.New()
	require.NoError(t, routes.Add(route.Route{
		Dest: netip.MustParseAddr("10.0.0.0"), Genmask: 0xFFFFFF00,
		Iface: ifc, Flags: route.FlagUp | route.FlagStatic, Metric: 1,
	}))

	clk := clock.NewSimulated(time.Unix(0, 0))
	stack := ip.NewStack(routes, ip.NewReassembler(clk), nil, func(a netip.Addr) bool {
		return a == ifc.Addr
	})

	filter := netfilter.New(4)
	ct := netfilter.NewConnTrack(clk)
	wireConnTrack(filter, ct)
	stack.Filter = filter

	return stack, ifc, ct
}

func buildUDPTestPacket(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16) *buffer.PacketBuffer {
	t.Helper()
	seg := udp.EncodeHeader(srcPort, dstPort, []byte("hi"))
	pkt := buffer.Allocate(128)
	require.NoError(t, pkt.Put(seg))
	h := &ip.Header{Src: src, Dst: dst, TTL: 64, Protocol: ip.ProtoUDP}
	require.NoError(t, ip.EncodeHeader(pkt, h, len(seg)))
	return pkt
}

func Test_TrackCallbackRecordsNewThenEstablishedFlow(t *testing.T) {
	stack, ifc, ct := newConnTrackTestStack(t)
	stack.RegisterUpper(ip.ProtoUDP, func(*iface.Interface, *ip.Header, []byte) error { return nil })

	client := netip.MustParseAddr("10.0.0.2")

	// Inbound request: tracked via PRE_ROUTING as a NEW flow.
	require.NoError(t, stack.Input(ifc, buildUDPTestPacket(t, client, ifc.Addr, 4000, 53)))
	assert.Equal(t, 1, ct.Count())

	fwdKey, _ := canonicalFlowKey(client, 4000, ifc.Addr, 53, ip.ProtoUDP)
	entry, ok := ct.Lookup(fwdKey)
	require.True(t, ok)
	assert.Equal(t, netfilter.ConnNew, entry.State)

	// This host's reply, tracked via POST_ROUTING, runs the opposite
	// direction of the same canonical key and should promote it.
	reply := udp.EncodeHeader(53, 4000, []byte("hi"))
	require.NoError(t, stack.SendIPPacket(&ip.Header{Dst: client, Protocol: ip.ProtoUDP}, reply))
	assert.Equal(t, 1, ct.Count())

	entry, ok = ct.Lookup(fwdKey)
	require.True(t, ok)
	assert.Equal(t, netfilter.ConnEstablished, entry.State)
}
