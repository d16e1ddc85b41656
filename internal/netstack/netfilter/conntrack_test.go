package netfilter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/clock"
)

func testFlow() FlowKey {
	return FlowKey{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000, DstPort: 80, Protocol: 6,
	}
}

func Test_TrackCreatesNewThenPromotesToEstablished(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	ct := NewConnTrack(c)
	key := testFlow()

	e, err := ct.Track(key, false)
	require.NoError(t, err)
	assert.Equal(t, ConnNew, e.State)

	e2, err := ct.Track(key, true)
	require.NoError(t, err)
	assert.Equal(t, ConnEstablished, e2.State)
	assert.Equal(t, 1, ct.Count())
}

func Test_SweepEvictsExpiredEntries(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	ct := NewConnTrack(c)
	key := testFlow()
	key.Protocol = 17 // UDP: 30s timeout

	_, err := ct.Track(key, false)
	require.NoError(t, err)
	assert.Equal(t, 1, ct.Count())

	c.Advance(31 * time.Second)
	ct.Sweep()
	assert.Equal(t, 0, ct.Count())
}

func Test_TrackRejectsOverCapacity(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	ct := NewConnTrack(c)
	for i := 0; i < MaxEntries; i++ {
		key := FlowKey{
			Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
			SrcPort: uint16(i), DstPort: 80, Protocol: 6,
		}
		_, err := ct.Track(key, false)
		require.NoError(t, err)
	}

	overflow := FlowKey{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 65000, DstPort: 80, Protocol: 6,
	}
	_, err := ct.Track(overflow, false)
	require.Error(t, err)
}
