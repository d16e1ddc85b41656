package ip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/buffer"
)

func Test_EncodeParseHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Src: netip.MustParseAddr("192.168.0.1"),
		Dst: netip.MustParseAddr("192.168.0.2"),
		ID:  123, TTL: 64, Protocol: ProtoUDP,
	}
	pkt := buffer.Allocate(64)
	payload := []byte("hello")
	require.NoError(t, pkt.Put(payload))
	require.NoError(t, EncodeHeader(pkt, h, len(payload)))

	parsed, err := ParseHeader(pkt.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h.Src, parsed.Src)
	assert.Equal(t, h.Dst, parsed.Dst)
	assert.Equal(t, uint8(4), parsed.Version)
	assert.Equal(t, ProtoUDP, int(parsed.Protocol))
}

func Test_ParseHeaderRejectsBadChecksum(t *testing.T) {
	h := &Header{Src: netip.MustParseAddr("1.1.1.1"), Dst: netip.MustParseAddr("2.2.2.2"), Protocol: ProtoUDP}
	pkt := buffer.Allocate(64)
	require.NoError(t, EncodeHeader(pkt, h, 0))

	raw := pkt.Bytes()
	raw[8] ^= 0xFF // corrupt the TTL byte without updating the checksum

	_, err := ParseHeader(raw)
	require.Error(t, err)
}
