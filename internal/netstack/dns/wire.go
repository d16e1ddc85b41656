package dns

import (
	"encoding/binary"
	"strings"

	"github.com/vkernel/vkernel/internal/kerr"
)

// RecordType is a DNS RR type (spec §4.10, RFC 1035 §3.2.2).
type RecordType uint16

const (
	TypeA     RecordType = 1
	TypeCNAME RecordType = 5
	TypeAAAA  RecordType = 28
)

const (
	classIN = 1

	flagResponse     = 0x8000
	flagRecursionReq = 0x0100
	opMask           = 0x7800
	rcodeMask        = 0x000F
)

// Message is a decoded DNS message (question + answer sections only; spec
// §4.10 doesn't require authority/additional sections).
type Message struct {
	ID        uint16
	IsQuery   bool
	Rcode     int
	Questions []Question
	Answers   []ResourceRecord
}

type Question struct {
	Name  string
	Type  RecordType
	Class uint16
}

type ResourceRecord struct {
	Name  string
	Type  RecordType
	Class uint16
	TTL   uint32
	Data  []byte
}

// EncodeQuery builds a recursion-desired query for name/typ.
func EncodeQuery(id uint16, name string, typ RecordType) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var buf []byte
	buf = append(buf, byte(id>>8), byte(id))
	buf = append(buf, byte(flagRecursionReq>>8), byte(flagRecursionReq))
	buf = append(buf, 0, 1) // QDCOUNT
	buf = append(buf, 0, 0) // ANCOUNT
	buf = append(buf, 0, 0) // NSCOUNT
	buf = append(buf, 0, 0) // ARCOUNT
	buf = append(buf, encodeName(name)...)
	buf = append(buf, byte(typ>>8), byte(typ))
	buf = append(buf, 0, classIN)
	return buf, nil
}

func encodeName(name string) []byte {
	name = strings.TrimSuffix(name, ".")
	var out []byte
	for _, label := range strings.Split(name, ".") {
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	out = append(out, 0)
	return out
}

// Decode parses a DNS message, following compression pointers in names with
// a bounded jump count (spec §4.10: "max 16 jumps").
func Decode(raw []byte) (*Message, error) {
	if len(raw) < 12 {
		return nil, kerr.New(kerr.ProtocolError, "dns.Decode: short header")
	}
	id := binary.BigEndian.Uint16(raw[0:2])
	flags := binary.BigEndian.Uint16(raw[2:4])
	qdcount := binary.BigEndian.Uint16(raw[4:6])
	ancount := binary.BigEndian.Uint16(raw[6:8])

	m := &Message{
		ID:      id,
		IsQuery: flags&flagResponse == 0,
		Rcode:   int(flags & rcodeMask),
	}

	off := 12
	for i := uint16(0); i < qdcount; i++ {
		name, next, err := decodeName(raw, off)
		if err != nil {
			return nil, err
		}
		if next+4 > len(raw) {
			return nil, kerr.New(kerr.ProtocolError, "dns.Decode: truncated question")
		}
		q := Question{
			Name:  name,
			Type:  RecordType(binary.BigEndian.Uint16(raw[next : next+2])),
			Class: binary.BigEndian.Uint16(raw[next+2 : next+4]),
		}
		m.Questions = append(m.Questions, q)
		off = next + 4
	}

	for i := uint16(0); i < ancount; i++ {
		name, next, err := decodeName(raw, off)
		if err != nil {
			return nil, err
		}
		if next+10 > len(raw) {
			return nil, kerr.New(kerr.ProtocolError, "dns.Decode: truncated answer")
		}
		typ := RecordType(binary.BigEndian.Uint16(raw[next : next+2]))
		class := binary.BigEndian.Uint16(raw[next+2 : next+4])
		ttl := binary.BigEndian.Uint32(raw[next+4 : next+8])
		rdlen := int(binary.BigEndian.Uint16(raw[next+8 : next+10]))
		dataStart := next + 10
		if dataStart+rdlen > len(raw) {
			return nil, kerr.New(kerr.ProtocolError, "dns.Decode: truncated rdata")
		}
		rr := ResourceRecord{
			Name: name, Type: typ, Class: class, TTL: ttl,
			Data: raw[dataStart : dataStart+rdlen],
		}
		m.Answers = append(m.Answers, rr)
		off = dataStart + rdlen
	}

	return m, nil
}

// decodeName reads a (possibly compressed) name starting at off, returning
// the dotted name and the offset just past it in the original buffer (not
// following any pointer jump).
func decodeName(raw []byte, off int) (string, int, error) {
	var labels []string
	jumps := 0
	cur := off
	endOfFixed := -1

	for {
		if cur >= len(raw) {
			return "", 0, kerr.New(kerr.ProtocolError, "dns.decodeName: out of range")
		}
		b := raw[cur]
		switch {
		case b == 0:
			cur++
			if endOfFixed == -1 {
				endOfFixed = cur
			}
			return strings.Join(labels, "."), endOfFixed, nil

		case b&0xC0 == 0xC0:
			if cur+1 >= len(raw) {
				return "", 0, kerr.New(kerr.ProtocolError, "dns.decodeName: truncated pointer")
			}
			jumps++
			if jumps > MaxCompressionJumps {
				return "", 0, kerr.New(kerr.ProtocolError, "dns.decodeName: too many compression jumps")
			}
			ptr := int(binary.BigEndian.Uint16(raw[cur:cur+2]) &^ 0xC000)
			if endOfFixed == -1 {
				endOfFixed = cur + 2
			}
			cur = ptr

		case b&0xC0 == 0:
			length := int(b)
			cur++
			if cur+length > len(raw) {
				return "", 0, kerr.New(kerr.ProtocolError, "dns.decodeName: truncated label")
			}
			labels = append(labels, string(raw[cur:cur+length]))
			cur += length

		default:
			return "", 0, kerr.New(kerr.ProtocolError, "dns.decodeName: reserved label bits")
		}
	}
}
