// Package icmp implements the ICMP types spec §4.3 requires: Echo
// Request/Reply, Time Exceeded, and Destination Unreachable, plus a
// skeletal ICMPv6 echo responder (SPEC_FULL §3 supplemental feature).
package icmp

import (
	"encoding/binary"

	"github.com/vkernel/vkernel/internal/netutil"
)

const (
	TypeEchoReply      uint8 = 0
	TypeDestUnreach    uint8 = 3
	TypeEchoRequest    uint8 = 8
	TypeTimeExceeded   uint8 = 11

	CodeTTLExceeded       uint8 = 0
	CodeNetUnreachable    uint8 = 0
	CodeHostUnreachable   uint8 = 1
	CodeFragNeeded        uint8 = 4

	TypeEchoRequestV6 uint8 = 128
	TypeEchoReplyV6   uint8 = 129
)

// BuildEchoReply builds an Echo Reply carrying the original request's
// identifier, sequence, and payload (spec §4.3: "reflected ... with the
// original payload preserved").
func BuildEchoReply(request []byte) []byte {
	reply := make([]byte, len(request))
	copy(reply, request)
	reply[0] = TypeEchoReply
	reply[1] = 0
	binary.BigEndian.PutUint16(reply[2:4], 0)
	sum := netutil.Checksum(reply)
	binary.BigEndian.PutUint16(reply[2:4], sum)
	return reply
}

// BuildTimeExceeded builds a Time Exceeded message quoting the original
// IPv4 header plus 8 bytes, per RFC 792.
func BuildTimeExceeded(code uint8, originalIPPacket []byte) []byte {
	return buildQuoting(TypeTimeExceeded, code, originalIPPacket)
}

// BuildDestUnreachable builds a Destination Unreachable message. When code
// is CodeFragNeeded, mtu must carry the next-hop MTU hint in the low 16
// bits of the "unused" word (spec §4.3 "ICMP Fragmentation Needed with the
// MTU hint").
func BuildDestUnreachable(code uint8, mtu uint16, originalIPPacket []byte) []byte {
	msg := buildQuoting(TypeDestUnreach, code, originalIPPacket)
	if code == CodeFragNeeded {
		binary.BigEndian.PutUint16(msg[6:8], mtu)
	}
	return msg
}

func buildQuoting(icmpType, code uint8, originalIPPacket []byte) []byte {
	quoteLen := len(originalIPPacket)
	if quoteLen > 28 { // IPv4 header (up to 20/60B in general, 20 here) + 8B
		quoteLen = 28
	}
	msg := make([]byte, 8+quoteLen)
	msg[0] = icmpType
	msg[1] = code
	copy(msg[8:], originalIPPacket[:quoteLen])
	binary.BigEndian.PutUint16(msg[2:4], 0)
	sum := netutil.Checksum(msg)
	binary.BigEndian.PutUint16(msg[2:4], sum)
	return msg
}

// BuildEchoReplyV6 builds a minimal ICMPv6 echo reply (no IPv6 pseudo
// header checksum — skeletal per spec §1 "IPv6 beyond skeletal ICMPv6 echo"
// is explicitly out of scope).
func BuildEchoReplyV6(request []byte) []byte {
	reply := make([]byte, len(request))
	copy(reply, request)
	reply[0] = TypeEchoReplyV6
	reply[1] = 0
	return reply
}
