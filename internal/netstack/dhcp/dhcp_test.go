package dhcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/clock"
)

func Test_FullNegotiationReachesBound(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	client := NewClient(c, [6]byte{0, 1, 2, 3, 4, 5}, 0xdeadbeef)

	discover, err := client.Start()
	require.NoError(t, err)
	assert.Equal(t, StateSelecting, client.State())
	mt, _, _, err := ParseMessage(discover)
	require.NoError(t, err)
	assert.Equal(t, byte(msgDiscover), mt)

	request, err := client.HandleOffer(netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, StateRequesting, client.State())
	mt, _, _, err = ParseMessage(request)
	require.NoError(t, err)
	assert.Equal(t, byte(msgRequest), mt)

	client.HandleAck(&Lease{Addr: netip.MustParseAddr("10.0.0.5"), LeaseTime: time.Hour})
	assert.Equal(t, StateBound, client.State())
	require.NotNil(t, client.Lease())
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), client.Lease().Addr)
}

func Test_NakResetsToInit(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	client := NewClient(c, [6]byte{}, 1)
	_, _ = client.Start()
	_, _ = client.HandleOffer(netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.1"))

	client.HandleNak()
	assert.Equal(t, StateInit, client.State())
	assert.Nil(t, client.Lease())
}

func Test_BackoffDoublesUpToMax(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	client := NewClient(c, [6]byte{}, 1)
	_, _ = client.Start()

	assert.False(t, client.BackoffNext()) // not due yet

	c.Advance(minRetry)
	assert.True(t, client.BackoffNext())
	assert.Equal(t, 2*minRetry, client.retry)

	for i := 0; i < 10; i++ {
		c.Advance(client.retry)
		client.BackoffNext()
	}
	assert.Equal(t, maxRetry, client.retry)
}

func Test_RenewalAndRebindingThresholds(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	client := NewClient(c, [6]byte{}, 1)
	client.state = StateBound
	client.lease = &Lease{Addr: netip.MustParseAddr("10.0.0.5"), LeaseTime: 100 * time.Second, ObtainedAt: c.Now()}

	assert.False(t, client.RenewalDue())
	c.Advance(51 * time.Second)
	assert.True(t, client.RenewalDue())

	_, err := client.BeginRenewal()
	require.NoError(t, err)
	assert.Equal(t, StateRenewing, client.State())

	assert.False(t, client.RebindingDue())
	c.Advance(40 * time.Second) // total 91s > 87.5s T2
	assert.True(t, client.RebindingDue())

	_, err = client.BeginRebinding()
	require.NoError(t, err)
	assert.Equal(t, StateRebinding, client.State())
}
