// Package dhcp implements a DHCPv4 client state machine (spec §4.11, RFC
// 2131): INIT -> SELECTING -> REQUESTING -> BOUND -> RENEWING/REBINDING,
// with NAK handling and exponential retry backoff.
package dhcp

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
)

// MagicCookie is the fixed DHCP options-section marker (RFC 2131 §3).
const MagicCookie uint32 = 0x63825363

const (
	opBootRequest = 1
	opBootReply   = 2

	htypeEthernet = 1
	hlenEthernet  = 6

	optPad          = 0
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optRequestedIP  = 50
	optLeaseTime    = 51
	optMsgType      = 53
	optServerID     = 54
	optParamReqList = 55
	optEnd          = 255

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
	msgNak      = 6

	minRetry = 4 * time.Second
	maxRetry = 64 * time.Second

	headerLen = 236 // fixed BOOTP header before the magic cookie
)

// Exported option/message-type codes, for a caller that has already called
// ParseMessage and needs to interpret its msgType/opts return values (the
// kernel façade's DHCP client driver).
const (
	MsgDiscover = msgDiscover
	MsgOffer    = msgOffer
	MsgRequest  = msgRequest
	MsgAck      = msgAck
	MsgNak      = msgNak

	OptSubnetMask  = optSubnetMask
	OptRouter      = optRouter
	OptDNS         = optDNS
	OptRequestedIP = optRequestedIP
	OptLeaseTime   = optLeaseTime
	OptServerID    = optServerID
)

// State is the client's position in RFC 2131's state machine.
type State int

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSelecting:
		return "SELECTING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	case StateRenewing:
		return "RENEWING"
	case StateRebinding:
		return "REBINDING"
	default:
		return "UNKNOWN"
	}
}

// Lease is the negotiated configuration once BOUND.
type Lease struct {
	Addr       netip.Addr
	SubnetMask uint32
	Router     netip.Addr
	DNS        []netip.Addr
	ServerID   netip.Addr
	LeaseTime  time.Duration
	ObtainedAt time.Time
}

// newRetryBackoff builds the exponential backoff policy governing DHCP
// retry timing (spec §4.11: "retry backoff 4s doubling to 64s"), as an
// explicit policy object rather than hand-rolled duration doubling — the
// same library dns.Resolver uses for upstream query retries. The first wait
// (minRetry) is Client.retry's starting value, so the policy starts one
// doubling later and yields the waits that follow it.
func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * minRetry
	b.MaxInterval = maxRetry
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Client is one interface's DHCP client state.
type Client struct {
	clock   clock.Clock
	xid     uint32
	mac     [6]byte
	state   State
	lease   *Lease
	backoff *backoff.ExponentialBackOff
	retry   time.Duration
	lastTry time.Time
}

// NewClient builds a client in INIT state for the interface with hwaddr mac.
func NewClient(c clock.Clock, mac [6]byte, xid uint32) *Client {
	return &Client{clock: c, mac: mac, xid: xid, state: StateInit, backoff: newRetryBackoff(), retry: minRetry}
}

func (c *Client) State() State { return c.state }
func (c *Client) Lease() *Lease { return c.lease }

// Start transitions INIT -> SELECTING and builds the DHCPDISCOVER to send.
func (c *Client) Start() ([]byte, error) {
	if c.state != StateInit {
		return nil, kerr.New(kerr.InvalidArgument, "dhcp.Start: not INIT")
	}
	c.state = StateSelecting
	c.retry = minRetry
	c.backoff.Reset()
	c.lastTry = c.clock.Now()
	return encodeMessage(opBootRequest, c.xid, c.mac, netip.Addr{}, msgDiscover, nil), nil
}

// HandleOffer processes a DHCPOFFER while SELECTING, returning the
// DHCPREQUEST to send (spec §4.11 SELECTING -> REQUESTING).
func (c *Client) HandleOffer(offeredAddr netip.Addr, serverID netip.Addr) ([]byte, error) {
	if c.state != StateSelecting {
		return nil, kerr.New(kerr.InvalidArgument, "dhcp.HandleOffer: not SELECTING")
	}
	c.state = StateRequesting
	c.retry = minRetry
	c.backoff.Reset()
	c.lastTry = c.clock.Now()

	opts := map[byte][]byte{
		optRequestedIP: addrBytes(offeredAddr),
		optServerID:    addrBytes(serverID),
	}
	return encodeMessage(opBootRequest, c.xid, c.mac, netip.Addr{}, msgRequest, opts), nil
}

// HandleAck processes a DHCPACK, transitioning to BOUND (spec §4.11
// REQUESTING -> BOUND, and RENEWING/REBINDING -> BOUND on renewal).
func (c *Client) HandleAck(lease *Lease) {
	lease.ObtainedAt = c.clock.Now()
	c.lease = lease
	c.state = StateBound
	c.retry = minRetry
	c.backoff.Reset()
}

// HandleNak resets the client to INIT to restart the full discovery
// sequence (spec §4.11 "NAK at any point collapses to INIT").
func (c *Client) HandleNak() {
	c.lease = nil
	c.state = StateInit
	c.retry = minRetry
	c.backoff.Reset()
}

// BackoffNext reports whether a retry is due now, advancing the backoff
// policy to its next interval when it fires (spec §4.11: "retry backoff 4s
// doubling to 64s").
func (c *Client) BackoffNext() bool {
	if c.clock.Now().Sub(c.lastTry) < c.retry {
		return false
	}
	c.lastTry = c.clock.Now()
	c.retry = c.backoff.NextBackOff()
	return true
}

// RenewalDue/RebindingDue report whether the lease has crossed the T1 (50%)
// or T2 (87.5%) thresholds (RFC 2131 §4.4.5), driving BOUND -> RENEWING and
// RENEWING -> REBINDING.
func (c *Client) RenewalDue() bool {
	if c.lease == nil || c.state != StateBound {
		return false
	}
	t1 := c.lease.LeaseTime / 2
	return c.clock.Now().Sub(c.lease.ObtainedAt) >= t1
}

func (c *Client) RebindingDue() bool {
	if c.lease == nil || c.state != StateRenewing {
		return false
	}
	t2 := c.lease.LeaseTime * 7 / 8
	return c.clock.Now().Sub(c.lease.ObtainedAt) >= t2
}

// BeginRenewal transitions BOUND -> RENEWING and builds a unicast
// DHCPREQUEST to the bound server.
func (c *Client) BeginRenewal() ([]byte, error) {
	if c.state != StateBound || c.lease == nil {
		return nil, kerr.New(kerr.InvalidArgument, "dhcp.BeginRenewal: not BOUND")
	}
	c.state = StateRenewing
	opts := map[byte][]byte{}
	return encodeMessage(opBootRequest, c.xid, c.mac, c.lease.Addr, msgRequest, opts), nil
}

// BeginRebinding transitions RENEWING -> REBINDING and broadcasts a
// DHCPREQUEST.
func (c *Client) BeginRebinding() ([]byte, error) {
	if c.state != StateRenewing || c.lease == nil {
		return nil, kerr.New(kerr.InvalidArgument, "dhcp.BeginRebinding: not RENEWING")
	}
	c.state = StateRebinding
	opts := map[byte][]byte{}
	return encodeMessage(opBootRequest, c.xid, c.mac, c.lease.Addr, msgRequest, opts), nil
}

func addrBytes(addr netip.Addr) []byte {
	a4 := addr.As4()
	return a4[:]
}

// encodeMessage builds a minimal BOOTP/DHCP packet.
func encodeMessage(op byte, xid uint32, mac [6]byte, ciaddr netip.Addr, msgType byte, opts map[byte][]byte) []byte {
	buf := make([]byte, headerLen+4)
	buf[0] = op
	buf[1] = htypeEthernet
	buf[2] = hlenEthernet
	binary.BigEndian.PutUint32(buf[4:8], xid)
	if ciaddr.IsValid() {
		c4 := ciaddr.As4()
		copy(buf[12:16], c4[:])
	}
	copy(buf[28:34], mac[:])
	binary.BigEndian.PutUint32(buf[236:240], MagicCookie)

	buf = append(buf, optMsgType, 1, msgType)
	for code, val := range opts {
		buf = append(buf, code, byte(len(val)))
		buf = append(buf, val...)
	}
	buf = append(buf, optEnd)
	return buf
}

// ParseMessage extracts the message type and key options from a received
// DHCP packet.
func ParseMessage(raw []byte) (msgType byte, yiaddr netip.Addr, opts map[byte][]byte, err error) {
	if len(raw) < headerLen+4 {
		return 0, netip.Addr{}, nil, kerr.New(kerr.ProtocolError, "dhcp.ParseMessage: short")
	}
	if binary.BigEndian.Uint32(raw[236:240]) != MagicCookie {
		return 0, netip.Addr{}, nil, kerr.New(kerr.ProtocolError, "dhcp.ParseMessage: bad cookie")
	}
	yiaddr = netip.AddrFrom4([4]byte{raw[16], raw[17], raw[18], raw[19]})

	opts = make(map[byte][]byte)
	i := headerLen + 4
	for i < len(raw) {
		code := raw[i]
		if code == optEnd {
			break
		}
		if code == optPad {
			i++
			continue
		}
		if i+1 >= len(raw) {
			break
		}
		length := int(raw[i+1])
		if i+2+length > len(raw) {
			return 0, netip.Addr{}, nil, kerr.New(kerr.ProtocolError, "dhcp.ParseMessage: truncated option")
		}
		opts[code] = raw[i+2 : i+2+length]
		i += 2 + length
	}

	mt, ok := opts[optMsgType]
	if !ok || len(mt) != 1 {
		return 0, netip.Addr{}, nil, kerr.New(kerr.ProtocolError, "dhcp.ParseMessage: missing msg type")
	}
	return mt[0], yiaddr, opts, nil
}
