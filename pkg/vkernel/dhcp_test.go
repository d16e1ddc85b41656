package vkernel

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/config"
	"github.com/vkernel/vkernel/internal/logging"
	"github.com/vkernel/vkernel/internal/netstack/dhcp"
	"github.com/vkernel/vkernel/internal/netstack/ethernet"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netstack/ip"
	"github.com/vkernel/vkernel/internal/netstack/udp"
)

func Test_BuildDHCPClientsOnlyStartsMatchingInterfaces(t *testing.T) {
	cfg := testConfig()
	cfg.Interfaces = append(cfg.Interfaces, config.InterfaceConfig{
		Name: "eth1", HWAddr: "00:11:22:33:44:66", MTU: 1500, Up: true,
	})
	cfg.DHCP = config.DHCPConfig{Enabled: true, IfaceGlob: "eth1"}

	k, err := Init(cfg, logging.Nop(), clock.NewSimulated(time.Unix(0, 0)))
	require.NoError(t, err)

	require.Len(t, k.dhcpClients, 1)
	assert.Equal(t, "eth1", k.dhcpClients[0].ifc.Name)
}

// Test_SendDiscoverBroadcastsAParsableDHCPDISCOVER checks that the hand-framed
// Ethernet/IP/UDP DISCOVER sent directly onto the interface (bypassing
// ip.Stack's routed send path) is well formed: broadcast link address,
// broadcast IP destination, and a DISCOVER payload dhcp.ParseMessage accepts.
func Test_SendDiscoverBroadcastsAParsableDHCPDISCOVER(t *testing.T) {
	ifc, err := iface.New("eth0", 0, iface.HWAddr{0, 1, 2, 3, 4, 5}, 1500)
	require.NoError(t, err)
	ifc.SetUp()

	var sent []byte
	ifc.Send = func(_ *iface.Interface, pkt *buffer.PacketBuffer) error {
		sent = append([]byte(nil), pkt.Bytes()...)
		pkt.Free()
		return nil
	}

	k := &Kernel{log: logging.Nop(), clock: clock.NewSimulated(time.Unix(0, 0))}
	b := &dhcpBinding{
		k:   k,
		ifc: ifc,
		log: logging.Nop(),
	}
	require.NoError(t, b.sendDiscover())
	require.NotEmpty(t, sent)

	var dstMAC iface.HWAddr
	copy(dstMAC[:], sent[0:6])
	assert.Equal(t, iface.Broadcast, dstMAC)

	ipPkt := sent[ethernet.HeaderLen:]
	h, err := ip.ParseHeader(ipPkt)
	require.NoError(t, err)
	assert.Equal(t, broadcastAddr, h.Dst)

	srcPort, dstPort, payload, err := udp.DecodeHeader(ipPkt[h.IHL:h.TotalLen])
	require.NoError(t, err)
	assert.Equal(t, uint16(dhcpClientPort), srcPort)
	assert.Equal(t, uint16(dhcpServerPort), dstPort)

	mt, _, _, err := dhcp.ParseMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, byte(dhcp.MsgDiscover), mt)
}

func Test_OptAddrAndOptUint32ParseFourByteOptions(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	a4 := addr.As4()
	opts := map[byte][]byte{
		dhcp.OptRouter:     a4[:],
		dhcp.OptLeaseTime:  {0, 0x01, 0x51, 0x80}, // 86400 seconds
		dhcp.OptSubnetMask: {255, 255, 255, 0},
	}

	assert.Equal(t, addr, optAddr(opts, dhcp.OptRouter))
	assert.Equal(t, 24*time.Hour, optDuration(opts, dhcp.OptLeaseTime))
	assert.Equal(t, 24, maskBits(optUint32(opts, dhcp.OptSubnetMask)))
	assert.False(t, optAddr(opts, dhcp.OptDNS).IsValid())
}

func Test_MaskBitsInvertsConfigureMaskFromBits(t *testing.T) {
	for _, bits := range []int{0, 1, 8, 16, 24, 30, 32} {
		mask := uint32(0xFFFFFFFF)
		if bits < 32 {
			mask <<= uint(32 - bits)
		}
		assert.Equal(t, bits, maskBits(mask))
	}
}

// Test_HandleAckBuildsLeaseMatchingParsedOptions checks that handleAck
// assembles a dhcp.Lease whose fields exactly mirror the DHCPACK options it
// was handed, diffing the whole struct at once rather than field by field.
func Test_HandleAckBuildsLeaseMatchingParsedOptions(t *testing.T) {
	clk := clock.NewSimulated(time.Unix(1000, 0))
	ifc, err := iface.New("eth0", 0, iface.HWAddr{0, 1, 2, 3, 4, 5}, 1500)
	require.NoError(t, err)

	b := &dhcpBinding{
		ifc:    ifc,
		client: dhcp.NewClient(clk, ifc.HWAddr, 1),
		log:    logging.Nop(),
	}
	_, err = b.client.Start()
	require.NoError(t, err)
	_, err = b.client.HandleOffer(netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)

	addr := netip.MustParseAddr("10.0.0.5")
	router := netip.MustParseAddr("10.0.0.1")
	dnsAddr := netip.MustParseAddr("8.8.8.8")
	r4, d4 := router.As4(), dnsAddr.As4()
	opts := map[byte][]byte{
		dhcp.OptSubnetMask: {255, 255, 255, 0},
		dhcp.OptRouter:     r4[:],
		dhcp.OptServerID:   r4[:],
		dhcp.OptLeaseTime:  {0, 0x01, 0x51, 0x80}, // 86400s
		dhcp.OptDNS:        d4[:],
	}

	require.NoError(t, b.handleAck(addr, opts))

	want := &dhcp.Lease{
		Addr:       addr,
		SubnetMask: 0xFFFFFF00,
		Router:     router,
		ServerID:   router,
		DNS:        []netip.Addr{dnsAddr},
		LeaseTime:  24 * time.Hour,
		ObtainedAt: clk.Now(),
	}

	diff := cmp.Diff(want, b.client.Lease(),
		cmpopts.EquateComparable(netip.Addr{}),
		cmpopts.EquateApproxTime(0))
	assert.Empty(t, diff, "lease mismatch (-want +got):\n%s", diff)
}
