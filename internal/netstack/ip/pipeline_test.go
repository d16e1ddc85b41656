package ip

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/netfilter"
	"github.com/vkernel/vkernel/internal/netstack/route"
)

func newTestStack(t *testing.T) (*Stack, *iface.Interface) {
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

	s := NewStack(routes, NewReassembler(clock.NewSimulated(time.Unix(0, 0))), nil, func(a netip.Addr) bool {
		return a == ifc.Addr
	})
	return s, ifc
}

func buildUDPPacket(t *testing.T, dst netip.Addr) *buffer.PacketBuffer {
	t.Helper()
	payload := []byte("payload")
	pkt := buffer.Allocate(128)
	require.NoError(t, pkt.Put(payload))
	h := &Header{Src: netip.MustParseAddr("10.0.0.2"), Dst: dst, ID: 1, TTL: 64, Protocol: ProtoUDP}
	require.NoError(t, EncodeHeader(pkt, h, len(payload)))
	return pkt
}

func Test_LocalInHookDropVerdictSuppressesDelivery(t *testing.T) {
	s, ifc := newTestStack(t)

	delivered := false
	s.RegisterUpper(ProtoUDP, func(ingress *iface.Interface, h *Header, payload []byte) error {
		delivered = true
		return nil
	})

	f := netfilter.New(4)
	f.Register(netfilter.HookLocalIn, 0, func(_ *iface.Interface, _ *buffer.PacketBuffer) netfilter.Verdict {
		return netfilter.VerdictDrop
	}, nil)
	s.Filter = f

	pkt := buildUDPPacket(t, ifc.Addr)
	require.NoError(t, s.Input(ifc, pkt))
	assert.False(t, delivered)
}

func Test_LocalInHookAcceptVerdictAllowsDelivery(t *testing.T) {
	s, ifc := newTestStack(t)

	delivered := false
	s.RegisterUpper(ProtoUDP, func(ingress *iface.Interface, h *Header, payload []byte) error {
		delivered = true
		return nil
	})

	f := netfilter.New(4)
	f.Register(netfilter.HookLocalIn, 0, func(_ *iface.Interface, _ *buffer.PacketBuffer) netfilter.Verdict {
		return netfilter.VerdictAccept
	}, nil)
	s.Filter = f

	pkt := buildUDPPacket(t, ifc.Addr)
	require.NoError(t, s.Input(ifc, pkt))
	assert.True(t, delivered)
}

func Test_NoFilterInstalledSkipsHooksEntirely(t *testing.T) {
	s, ifc := newTestStack(t)

	delivered := false
	s.RegisterUpper(ProtoUDP, func(ingress *iface.Interface, h *Header, payload []byte) error {
		delivered = true
		return nil
	})

	pkt := buildUDPPacket(t, ifc.Addr)
	require.NoError(t, s.Input(ifc, pkt))
	assert.True(t, delivered)
}
