package ip

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/clock"
)

func payloadOfLen(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

// Test_FragmentationScenario is spec §8 scenario 2 verbatim.
func Test_FragmentationScenario(t *testing.T) {
	h := &Header{
		Src: netip.MustParseAddr("10.0.0.1"),
		Dst: netip.MustParseAddr("10.0.0.2"),
		ID:  42, TTL: 64, Protocol: ProtoUDP,
	}
	payload := payloadOfLen(4000)

	headers, payloads, err := Fragment(h, payload, 1500)
	require.NoError(t, err)
	require.Len(t, headers, 3)

	assert.Equal(t, 1480, len(payloads[0]))
	assert.Equal(t, 1480, len(payloads[1]))
	assert.Equal(t, 1040, len(payloads[2]))

	assert.Equal(t, 0, headers[0].FragByteOffset())
	assert.Equal(t, 185, int(headers[1].FragOff))
	assert.Equal(t, 370, int(headers[2].FragOff))

	assert.True(t, headers[0].More())
	assert.True(t, headers[1].More())
	assert.False(t, headers[2].More())

	// Feed fragments back in reverse order; the reassembled payload must
	// equal the original.
	c := clock.NewSimulated(time.Unix(0, 0))
	r := NewReassembler(c)

	var out []byte
	var ok bool
	for i := 2; i >= 0; i-- {
		out, ok, err = r.Insert(headers[i], payloads[i])
		require.NoError(t, err)
	}
	require.True(t, ok)
	assert.Equal(t, payload, out)
}

func Test_ReassemblyDiscardsDuplicateOverlap(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	r := NewReassembler(c)

	h := &Header{Src: netip.MustParseAddr("1.1.1.1"), Dst: netip.MustParseAddr("2.2.2.2"), ID: 7, Protocol: ProtoUDP}

	first := *h
	first.Flags = flagMF
	firstPayload := []byte{1, 1, 1, 1, 1, 1, 1, 1}

	second := *h
	second.FragOff = 0 // duplicates the first 8 bytes, then adds new data
	second.Flags = 0
	secondPayload := append([]byte{1, 1, 1, 1, 1, 1, 1, 1}, []byte{2, 2, 2, 2}...)

	_, ok, err := r.Insert(&first, firstPayload)
	require.NoError(t, err)
	require.False(t, ok)

	out, ok, err := r.Insert(&second, secondPayload)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, secondPayload, out)
}

// Test_ReassemblyResolvesOverlapToFirstSeenBytes uses differing content in
// the overlapping range, so a last-seen-wins bug (copying the later
// fragment's bytes over an already-covered range) would be caught here,
// unlike Test_ReassemblyDiscardsDuplicateOverlap's identical overlap.
func Test_ReassemblyResolvesOverlapToFirstSeenBytes(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	r := NewReassembler(c)

	h := &Header{Src: netip.MustParseAddr("1.1.1.1"), Dst: netip.MustParseAddr("2.2.2.2"), ID: 9, Protocol: ProtoUDP}

	first := *h
	first.Flags = flagMF
	firstPayload := []byte{1, 1, 1, 1, 1, 1, 1, 1}

	second := *h
	second.FragOff = 0 // overlaps bytes [0,7] with different content, then extends to [8,11]
	second.Flags = 0
	secondPayload := append([]byte{9, 9, 9, 9, 9, 9, 9, 9}, []byte{2, 2, 2, 2}...)

	_, ok, err := r.Insert(&first, firstPayload)
	require.NoError(t, err)
	require.False(t, ok)

	out, ok, err := r.Insert(&second, secondPayload)
	require.NoError(t, err)
	require.True(t, ok)

	want := append(append([]byte{}, firstPayload...), []byte{2, 2, 2, 2}...)
	assert.Equal(t, want, out)
}
