package udp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/kerr"
)

func Test_BindZeroAllocatesDistinctEphemeralPorts(t *testing.T) {
	r := NewRegistry()
	addr := netip.MustParseAddr("10.0.0.1")

	ep1 := &Endpoint{}
	require.NoError(t, r.Bind(ep1, addr, 0))

	ep2 := &Endpoint{}
	require.NoError(t, r.Bind(ep2, addr, 0))

	assert.NotEqual(t, ep1.LocalPort, ep2.LocalPort)
	assert.NotZero(t, ep1.LocalPort)
	assert.NotZero(t, ep2.LocalPort)
}

func Test_BindExplicitPortCollides(t *testing.T) {
	r := NewRegistry()
	addr := netip.MustParseAddr("10.0.0.1")

	require.NoError(t, r.Bind(&Endpoint{}, addr, 5000))
	err := r.Bind(&Endpoint{}, addr, 5000)
	require.Error(t, err)
	kind, ok := kerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerr.AddressInUse, kind)
}

func Test_ConnectedSocketDropsUnexpectedSource(t *testing.T) {
	ep := &Endpoint{
		IsConnected: true,
		RemoteAddr:  netip.MustParseAddr("1.1.1.1"),
		RemotePort:  53,
	}

	require.NoError(t, ep.Deliver(netip.MustParseAddr("2.2.2.2"), 53, []byte("nope")))
	_, err := ep.RecvFrom()
	require.Error(t, err)

	require.NoError(t, ep.Deliver(netip.MustParseAddr("1.1.1.1"), 53, []byte("yep")))
	d, err := ep.RecvFrom()
	require.NoError(t, err)
	assert.Equal(t, "yep", string(d.Payload))
}

func Test_ChecksumZeroAcceptedAsUnset(t *testing.T) {
	seg := EncodeHeader(1000, 2000, []byte("hi"))
	sum := Checksum([4]byte{1, 1, 1, 1}, [4]byte{2, 2, 2, 2}, seg)
	assert.NotZero(t, sum) // never returns literal 0 - 0 is reserved for "no checksum"
}
