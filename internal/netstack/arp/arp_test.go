package arp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
)

// Test_ResolveAfterExpiry is spec §8 scenario 1 verbatim: pre-populate,
// resolve immediately, advance 301s with no traffic, then expect a miss.
func Test_ResolveAfterExpiry(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	table := New(c)

	addr := netip.MustParseAddr("192.168.1.2")
	mac := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	table.Insert(addr, mac, false)

	got, err := table.Lookup(addr)
	require.NoError(t, err)
	assert.Equal(t, mac, [6]byte(got))

	c.Advance(301 * time.Second)
	table.Sweep()

	_, err = table.Lookup(addr)
	require.Error(t, err)
	kind, ok := kerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerr.NotFound, kind)
}

func Test_PermanentEntryNeverExpires(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	table := New(c)
	addr := netip.MustParseAddr("10.0.0.1")
	table.Insert(addr, [6]byte{1, 2, 3, 4, 5, 6}, true)

	c.Advance(24 * time.Hour)
	table.Sweep()

	_, err := table.Lookup(addr)
	require.NoError(t, err)
}

func Test_EvictsOldestWhenFull(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	table := New(c)

	for i := 0; i < MaxEntries; i++ {
		addr := netip.AddrFrom4([4]byte{10, 0, byte(i / 256), byte(i % 256)})
		table.Insert(addr, [6]byte{byte(i)}, false)
		c.Advance(time.Second)
	}

	first := netip.AddrFrom4([4]byte{10, 0, 0, 0})
	_, err := table.Lookup(first)
	require.NoError(t, err)

	overflow := netip.AddrFrom4([4]byte{10, 1, 0, 0})
	table.Insert(overflow, [6]byte{0xff}, false)

	_, err = table.Lookup(first)
	require.Error(t, err)

	_, err = table.Lookup(overflow)
	require.NoError(t, err)
}
