// Package netfilter implements the hook-point packet-filtering pipeline
// (spec §4.9): five fixed hook points, each an ordered list of
// (priority, callback) registrations, evaluated in priority order until a
// terminal verdict is reached.
package netfilter

import (
	"sort"
	"sync"

	"github.com/vkernel/vkernel/internal/buffer"
	"github.com/vkernel/vkernel/internal/netstack/iface"
)

// Hook identifies one of the five fixed interception points.
type Hook int

const (
	HookPreRouting Hook = iota
	HookLocalIn
	HookForward
	HookLocalOut
	HookPostRouting
	numHooks
)

// Verdict is the outcome a callback returns for one packet (spec §4.9).
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictDrop
	VerdictStolen
	VerdictQueue
	VerdictRepeat
)

// Callback inspects (and may mutate) pkt, returning a verdict.
type Callback func(ifc *iface.Interface, pkt *buffer.PacketBuffer) Verdict

type registration struct {
	priority int
	cb       Callback
	userdata any
}

// Chain is the ordered callback list for one hook point.
type Chain struct {
	mu   sync.Mutex
	regs []registration
}

// Filter owns all five hook chains plus the queue for VerdictQueue'd
// packets (spec.md SPEC_FULL §3 supplemental: QUEUE/REPEAT plumbing).
type Filter struct {
	chains [numHooks]*Chain
	queue  chan QueuedPacket
}

// QueuedPacket is a packet handed off via VerdictQueue for out-of-band
// processing (e.g. by a userspace agent), alongside the hook it queued at.
type QueuedPacket struct {
	Hook Hook
	Ifc  *iface.Interface
	Pkt  *buffer.PacketBuffer
}

// New builds an empty filter with a bounded queue for VerdictQueue verdicts.
func New(queueCapacity int) *Filter {
	f := &Filter{queue: make(chan QueuedPacket, queueCapacity)}
	for i := range f.chains {
		f.chains[i] = &Chain{}
	}
	return f
}

// Register adds cb to hook's chain at priority (lower runs first), spec §4.9
// "(priority, callback, userdata)".
func (f *Filter) Register(hook Hook, priority int, cb Callback, userdata any) {
	c := f.chains[hook]
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = append(c.regs, registration{priority: priority, cb: cb, userdata: userdata})
	sort.SliceStable(c.regs, func(i, j int) bool { return c.regs[i].priority < c.regs[j].priority })
}

// Unregister removes every registration for cb on hook (identity compare via
// function pointer is unreliable in Go, so this takes userdata as the key
// instead).
func (f *Filter) Unregister(hook Hook, userdata any) {
	c := f.chains[hook]
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.regs[:0]
	for _, r := range c.regs {
		if r.userdata != userdata {
			kept = append(kept, r)
		}
	}
	c.regs = kept
}

// Run evaluates hook's chain against pkt in priority order (spec §4.9):
// DROP and STOLEN terminate immediately; QUEUE enqueues and terminates;
// REPEAT restarts the chain from its first callback, bounded to avoid an
// infinite loop from a misbehaving callback; ACCEPT from every callback
// lets the packet continue past the hook.
func (f *Filter) Run(hook Hook, ifc *iface.Interface, pkt *buffer.PacketBuffer) Verdict {
	const maxRepeats = 8
	c := f.chains[hook]

	for repeats := 0; repeats < maxRepeats; repeats++ {
		c.mu.Lock()
		regs := make([]registration, len(c.regs))
		copy(regs, c.regs)
		c.mu.Unlock()

		repeat := false
		for _, r := range regs {
			switch v := r.cb(ifc, pkt); v {
			case VerdictAccept:
				continue
			case VerdictDrop, VerdictStolen:
				return v
			case VerdictQueue:
				select {
				case f.queue <- QueuedPacket{Hook: hook, Ifc: ifc, Pkt: pkt}:
				default:
					return VerdictDrop // queue full: fail closed
				}
				return VerdictStolen
			case VerdictRepeat:
				repeat = true
			}
			if repeat {
				break
			}
		}
		if !repeat {
			return VerdictAccept
		}
	}
	return VerdictDrop
}

// Dequeue pops the next queued packet, or ok=false if none is pending.
func (f *Filter) Dequeue() (QueuedPacket, bool) {
	select {
	case qp := <-f.queue:
		return qp, true
	default:
		return QueuedPacket{}, false
	}
}
