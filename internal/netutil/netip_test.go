package netutil

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_MaskBitsRoundTrip(t *testing.T) {
	for bits := 0; bits <= 32; bits++ {
		mask := MaskFromBits(bits)
		assert.Equal(t, bits, BitsFromMask(mask))
	}
}

func Test_BroadcastAddress(t *testing.T) {
	addr := netip.MustParseAddr("192.168.1.42")
	mask := MaskFromBits(24)

	assert.Equal(t, netip.MustParseAddr("192.168.1.0"), Network(addr, mask))
	assert.Equal(t, netip.MustParseAddr("192.168.1.255"), Broadcast(addr, mask))
}

func Test_ChecksumZeroesOnDoubleApply(t *testing.T) {
	data := []byte{0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06, 0x00, 0x00, 0xac, 0x10, 0x0a, 0x63, 0xac, 0x10, 0x0a, 0x0c}

	sum := Checksum(data)
	data[10] = byte(sum >> 8)
	data[11] = byte(sum)

	assert.Equal(t, uint16(0), Checksum(data))
}
