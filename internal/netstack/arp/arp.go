// Package arp implements the ARP cache and resolution protocol (spec §4.7).
package arp

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/ethernet"
	"github.com/vkernel/vkernel/internal/netstack/iface"
)

const (
	MaxEntries = 256
	TTL        = 300 * time.Second

	hwTypeEthernet uint16 = 1
	protoTypeIPv4  uint16 = 0x0800
	opRequest      uint16 = 1
	opReply        uint16 = 2
	headerLen             = 28 // fixed part for hlen=6, plen=4
)

// Flags are ArpEntry flags (spec §3.1).
type Flags uint8

const (
	FlagComplete Flags = 1 << iota
	FlagPermanent
)

// Entry is an ArpEntry.
type Entry struct {
	Addr      netip.Addr
	HWAddr    iface.HWAddr
	InsertedAt time.Time
	Flags     Flags
}

// Table is the bounded ARP cache (spec §3.1, §4.7).
type Table struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[netip.Addr]*Entry
}

// New returns an empty ARP table.
func New(c clock.Clock) *Table {
	return &Table{clock: c, entries: make(map[netip.Addr]*Entry)}
}

// Lookup returns the MAC for addr, evicting it first if it has expired.
func (t *Table) Lookup(addr netip.Addr) (iface.HWAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[addr]
	if !ok {
		return iface.HWAddr{}, kerr.New(kerr.NotFound, "arp.Lookup")
	}
	if t.expired(e) {
		delete(t.entries, addr)
		return iface.HWAddr{}, kerr.New(kerr.NotFound, "arp.Lookup")
	}
	return e.HWAddr, nil
}

func (t *Table) expired(e *Entry) bool {
	if e.Flags&FlagPermanent != 0 {
		return false
	}
	return t.clock.Now().Sub(e.InsertedAt) > TTL
}

// Insert adds or updates an entry, evicting the oldest non-permanent entry
// if the table is full (spec §3.1, §4.7).
func (t *Table) Insert(addr netip.Addr, mac iface.HWAddr, permanent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(addr, mac, permanent)
}

func (t *Table) insertLocked(addr netip.Addr, mac iface.HWAddr, permanent bool) {
	if _, exists := t.entries[addr]; !exists && len(t.entries) >= MaxEntries {
		t.evictOldestLocked()
	}

	flags := FlagComplete
	if permanent {
		flags |= FlagPermanent
	}
	t.entries[addr] = &Entry{
		Addr:       addr,
		HWAddr:     mac,
		InsertedAt: t.clock.Now(),
		Flags:      flags,
	}
}

func (t *Table) evictOldestLocked() {
	var oldestAddr netip.Addr
	var oldest *Entry
	for addr, e := range t.entries {
		if e.Flags&FlagPermanent != 0 {
			continue
		}
		if oldest == nil || e.InsertedAt.Before(oldest.InsertedAt) {
			oldest = e
			oldestAddr = addr
		}
	}
	if oldest != nil {
		delete(t.entries, oldestAddr)
	}
}

// Sweep removes every entry that has aged out; called by the timer worker
// (spec §4.15).
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, e := range t.entries {
		if t.expired(e) {
			delete(t.entries, addr)
		}
	}
}

// Request is a decoded ARP packet.
type Request struct {
	Op       uint16
	SenderHW iface.HWAddr
	SenderIP netip.Addr
	TargetHW iface.HWAddr
	TargetIP netip.Addr
}

// Decode validates and parses an incoming ARP packet (spec §4.7: "hardware
// type 1, protocol type 0x0800, hlen 6, plen 4").
func Decode(raw []byte) (*Request, error) {
	if len(raw) < headerLen {
		return nil, kerr.New(kerr.ProtocolError, "arp.Decode: short packet")
	}
	hwType := binary.BigEndian.Uint16(raw[0:2])
	protoType := binary.BigEndian.Uint16(raw[2:4])
	hlen := raw[4]
	plen := raw[5]
	op := binary.BigEndian.Uint16(raw[6:8])

	if hwType != hwTypeEthernet || protoType != protoTypeIPv4 || hlen != 6 || plen != 4 {
		return nil, kerr.New(kerr.ProtocolError, "arp.Decode: unsupported address types")
	}

	var senderHW, targetHW iface.HWAddr
	copy(senderHW[:], raw[8:14])
	senderIP, _ := netip.AddrFromSlice(raw[14:18])
	copy(targetHW[:], raw[18:24])
	targetIP, _ := netip.AddrFromSlice(raw[24:28])

	return &Request{
		Op:       op,
		SenderHW: senderHW,
		SenderIP: senderIP.Unmap(),
		TargetHW: targetHW,
		TargetIP: targetIP.Unmap(),
	}, nil
}

// Encode serializes an ARP packet.
func Encode(op uint16, senderHW iface.HWAddr, senderIP netip.Addr, targetHW iface.HWAddr, targetIP netip.Addr) []byte {
	raw := make([]byte, headerLen)
	binary.BigEndian.PutUint16(raw[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(raw[2:4], protoTypeIPv4)
	raw[4], raw[5] = 6, 4
	binary.BigEndian.PutUint16(raw[6:8], op)
	senderIP4, targetIP4 := senderIP.As4(), targetIP.As4()
	copy(raw[8:14], senderHW[:])
	copy(raw[14:18], senderIP4[:])
	copy(raw[18:24], targetHW[:])
	copy(raw[24:28], targetIP4[:])
	return raw
}

// Resolver ties a Table to an interface for the full resolve/request/reply
// cycle (spec §4.7).
type Resolver struct {
	Table *Table
}

// NewResolver builds a Resolver over table.
func NewResolver(table *Table) *Resolver {
	return &Resolver{Table: table}
}

// Resolve looks up addr; on a cache miss it emits a broadcast request via
// ifc and returns WouldBlock, matching spec §4.7 "on miss, emit broadcast
// request and return a pending indication".
func (r *Resolver) Resolve(ifc *iface.Interface, addr netip.Addr) (iface.HWAddr, error) {
	if mac, err := r.Table.Lookup(addr); err == nil {
		return mac, nil
	}

	req := Encode(opRequest, ifc.HWAddr, ifc.Addr, iface.HWAddr{}, addr)
	pkt := buffer.Allocate(len(req) + ethernet.HeaderLen)
	if err := pkt.Put(req); err != nil {
		return iface.HWAddr{}, err
	}
	if err := ethernet.EncodeHeader(pkt, iface.Broadcast, ifc.HWAddr, ethernet.EtherTypeARP); err != nil {
		return iface.HWAddr{}, err
	}
	if err := ifc.TransmitRaw(pkt); err != nil {
		return iface.HWAddr{}, err
	}

	return iface.HWAddr{}, kerr.New(kerr.WouldBlock, "arp.Resolve")
}

// Input processes an incoming ARP packet: gratuitous updates, replies, and
// requests for our own address (spec §4.7).
func (r *Resolver) Input(ifc *iface.Interface, pkt *buffer.PacketBuffer) error {
	req, err := Decode(pkt.Bytes())
	if err != nil {
		ifc.Counters.DropRx()
		return err
	}

	if req.SenderIP == ifc.Addr {
		ifc.Counters.DropRx()
		return kerr.New(kerr.ProtocolError, "arp.Input: sender is us")
	}

	// Gratuitous ARP: sender and target IP match.
	if req.SenderIP == req.TargetIP {
		if _, err := r.Table.Lookup(req.SenderIP); err == nil {
			r.Table.Insert(req.SenderIP, req.SenderHW, false)
		}
		return nil
	}

	switch req.Op {
	case opReply:
		r.Table.Insert(req.SenderIP, req.SenderHW, false)
	case opRequest:
		r.Table.Insert(req.SenderIP, req.SenderHW, false)
		if req.TargetIP == ifc.Addr {
			reply := Encode(opReply, ifc.HWAddr, ifc.Addr, req.SenderHW, req.SenderIP)
			out := buffer.Allocate(len(reply) + ethernet.HeaderLen)
			if err := out.Put(reply); err != nil {
				return err
			}
			if err := ethernet.EncodeHeader(out, req.SenderHW, ifc.HWAddr, ethernet.EtherTypeARP); err != nil {
				return err
			}
			return ifc.TransmitRaw(out)
		}
	}
	return nil
}
