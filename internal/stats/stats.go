// Package stats holds the advisory counters referenced throughout spec §5
// and §9: "Counters ... are updated under their owning lock; reading them
// from outside is advisory." Counters here are plain fields updated by a
// caller already holding the relevant subsystem lock; they are not
// independently synchronized, matching that explicit design note.
package stats

// Counters is an embeddable set of packet/byte/error counters.
type Counters struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
	RxDrops   uint64
	TxDrops   uint64
	Errors    uint64
}

// RecordRx accounts a received frame of n bytes.
func (c *Counters) RecordRx(n int) {
	c.RxPackets++
	c.RxBytes += uint64(n)
}

// RecordTx accounts a sent frame of n bytes.
func (c *Counters) RecordTx(n int) {
	c.TxPackets++
	c.TxBytes += uint64(n)
}

// DropRx accounts a dropped inbound frame.
func (c *Counters) DropRx() {
	c.RxDrops++
}

// DropTx accounts a dropped outbound frame.
func (c *Counters) DropTx() {
	c.TxDrops++
}

// RecordError accounts a protocol-level error.
func (c *Counters) RecordError() {
	c.Errors++
}

// Snapshot is a point-in-time copy safe to hand to a caller outside the
// owning lock.
func (c *Counters) Snapshot() Counters {
	return *c
}
