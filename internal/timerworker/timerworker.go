// Package timerworker implements the single sweeping worker that ages every
// time-based subsystem in the stack (spec §9 "one worker coordinating TCP
// retransmission/TIME_WAIT, conntrack aging, ARP expiration, reassembly
// timeouts, DNS cache cleanup, DHCP state advancement, and dynamic route
// reclamation" — all on one goroutine so none of these need their own
// timer machinery).
package timerworker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Interval is the worker's sweep cadence (spec §9: "≤100ms cadence").
const Interval = 100 * time.Millisecond

// Sweeper is one aging subsystem's periodic maintenance call.
type Sweeper func()

// Worker runs every registered Sweeper once per Interval on a single
// goroutine.
type Worker struct {
	log      *zap.SugaredLogger
	sweepers []namedSweeper
}

type namedSweeper struct {
	name string
	fn   Sweeper
}

// New builds an empty timer worker.
func New(log *zap.SugaredLogger) *Worker {
	return &Worker{log: log}
}

// Register adds a named sweeper to the rotation (spec §9). Order of
// registration is the order sweepers run within each tick.
func (w *Worker) Register(name string, fn Sweeper) {
	w.sweepers = append(w.sweepers, namedSweeper{name: name, fn: fn})
}

// Run blocks, invoking every registered sweeper once per Interval, until ctx
// is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweepOnce()
		}
	}
}

func (w *Worker) sweepOnce() {
	for _, s := range w.sweepers {
		func() {
			defer func() {
				if r := recover(); r != nil && w.log != nil {
					w.log.Errorw("timer sweeper panicked", "sweeper", s.name, "panic", r)
				}
			}()
			s.fn()
		}()
	}
}
