package route

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/netutil"
)

func Test_LookupLongestPrefixWins(t *testing.T) {
	tbl := New()

	require.NoError(t, tbl.Add(Route{
		Dest: netip.MustParseAddr("0.0.0.0"), Genmask: 0,
		Gateway: netip.MustParseAddr("10.0.0.1"), Flags: FlagUp, Metric: 1,
	}))
	require.NoError(t, tbl.Add(Route{
		Dest: netip.MustParseAddr("192.168.1.0"), Genmask: netutil.MaskFromBits(24),
		Gateway: netip.MustParseAddr("192.168.1.1"), Flags: FlagUp, Metric: 5,
	}))

	r, err := tbl.Lookup(netip.MustParseAddr("192.168.1.42"))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.0"), r.Dest)

	r, err = tbl.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("0.0.0.0"), r.Dest)
}

func Test_LookupTieBreaksOnMetric(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(Route{
		Dest: netip.MustParseAddr("10.0.0.0"), Genmask: netutil.MaskFromBits(24),
		Flags: FlagUp, Metric: 10,
	}))
	require.NoError(t, tbl.Add(Route{
		Dest: netip.MustParseAddr("10.0.0.0"), Genmask: netutil.MaskFromBits(24),
		Flags: FlagUp, Metric: 2,
	}))

	// Second Add with the same (dest, genmask) updates in place, so there's
	// only ever one entry for this prefix; Lookup must return the updated
	// metric-2 route.
	r, err := tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Metric)
	assert.Len(t, tbl.All(), 1)
}

func Test_NoUpRouteIsUnreachable(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(Route{
		Dest: netip.MustParseAddr("10.0.0.0"), Genmask: netutil.MaskFromBits(8),
	}))

	_, err := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.Error(t, err)
}

func Test_GCDynamicReclaimsUnused(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Add(Route{
		Dest: netip.MustParseAddr("172.16.0.0"), Genmask: netutil.MaskFromBits(16),
		Flags: FlagUp | FlagDynamic,
	}))

	tbl.GCDynamic()
	assert.Empty(t, tbl.All())
}
