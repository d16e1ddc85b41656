package ethernet

import (
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/netstack/iface"
)

func buildEthIPv4Frame(t *testing.T, dst, src iface.HWAddr) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		DstMAC:       dst[:],
		SrcMAC:       src[:],
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    []byte{10, 0, 0, 1},
		DstIP:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload([]byte("hi"))))
	return buf.Bytes()
}

func Test_DemuxDispatchesIPv4(t *testing.T) {
	ingress, err := iface.New("eth0", 1, iface.HWAddr{0, 1, 2, 3, 4, 5}, 1500)
	require.NoError(t, err)
	ingress.SetUp()

	frame := buildEthIPv4Frame(t, ingress.HWAddr, iface.HWAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})

	d := New()
	var gotEtherType bool
	d.Register(EtherTypeIP, func(ifc *iface.Interface, pkt *buffer.PacketBuffer) error {
		gotEtherType = true
		return nil
	})

	pkt := buffer.FromBytes(frame)
	pkt.Meta.Timestamp = time.Now()
	require.NoError(t, d.Input(ingress, pkt))
	assert.True(t, gotEtherType)
}

func Test_DemuxDropsUnknownDestination(t *testing.T) {
	ingress, err := iface.New("eth0", 1, iface.HWAddr{0, 1, 2, 3, 4, 5}, 1500)
	require.NoError(t, err)

	other := iface.HWAddr{9, 9, 9, 9, 9, 9}
	frame := buildEthIPv4Frame(t, other, iface.HWAddr{1, 1, 1, 1, 1, 1})

	d := New()
	called := false
	d.Register(EtherTypeIP, func(ifc *iface.Interface, pkt *buffer.PacketBuffer) error {
		called = true
		return nil
	})

	require.NoError(t, d.Input(ingress, buffer.FromBytes(frame)))
	assert.False(t, called)
	assert.EqualValues(t, 1, ingress.Counters.RxDrops)
}

func Test_VLANRejectsReservedVID(t *testing.T) {
	ingress, err := iface.New("eth0", 1, iface.HWAddr{0, 1, 2, 3, 4, 5}, 1500)
	require.NoError(t, err)

	raw := make([]byte, HeaderLen+VLANTagLen+4)
	copy(raw[0:6], ingress.HWAddr[:])
	copy(raw[6:12], []byte{1, 1, 1, 1, 1, 1})
	raw[12], raw[13] = 0x81, 0x00
	raw[14], raw[15] = 0x00, 0x00 // VID 0 is invalid
	raw[16], raw[17] = 0x08, 0x00

	d := New()
	err = d.Input(ingress, buffer.FromBytes(raw))
	require.Error(t, err)
}
