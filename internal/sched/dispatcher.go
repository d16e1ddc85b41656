package sched

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vkernel/vkernel/internal/sched/rt"
	"github.com/vkernel/vkernel/internal/sched/task"
)

// Dispatcher runs one goroutine per CPU, each ticking at DispatchInterval
// and running whichever task PickNext selects for one tick's worth of
// simulated runtime (spec §9: "a single dispatcher loop per CPU").
type Dispatcher struct {
	sched *Scheduler
}

// NewDispatcher builds a dispatcher bound to sched.
func NewDispatcher(sched *Scheduler) *Dispatcher {
	return &Dispatcher{sched: sched}
}

// Run blocks dispatching across every CPU until ctx is canceled, coordinated
// with golang.org/x/sync/errgroup the way the teacher's director coordinates
// its worker goroutines (controlplane/cmd/yncp-director/main.go).
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rq := range d.sched.CPUs() {
		rq := rq
		g.Go(func() error {
			return d.runCPU(ctx, rq)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runCPU(ctx context.Context, rq *CPURunQueue) error {
	ticker := time.NewTicker(DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(rq)
		}
	}
}

func (d *Dispatcher) tick(rq *CPURunQueue) {
	now := d.sched.clock.Now()
	t, ok := rq.PickNext(now)
	if !ok {
		return
	}

	rq.Running = t
	if t == rq.Idle {
		rq.Running = nil
		return
	}

	t.Lock()
	t.State = task.StateRunning
	policy := t.Policy
	rtPriority := t.RTPriority
	t.Unlock()

	ran := DispatchInterval

	switch {
	case policy.IsRT():
		rq.RT.AccountRuntime(now, ran)
		// SCHED_FIFO runs until it voluntarily yields or is preempted by a
		// higher-priority task; only SCHED_RR rotates on slice exhaustion
		// (spec §9 "Default RR slice: 100 ms").
		if policy == task.PolicyRR {
			t.Lock()
			t.RRRuntime += ran
			exceeded := t.RRRuntime >= rt.RRSlice
			if exceeded {
				t.RRRuntime = 0
			}
			t.Unlock()
			if exceeded {
				rq.RT.Rotate(rtPriority)
			}
		}
	default:
		// Tick itself removes t and re-inserts it at its new vruntime.
		rq.Fair.Tick(t, uint64(ran.Nanoseconds()))
	}

	t.Lock()
	if t.State == task.StateRunning {
		t.State = task.StateRunnable
	}
	t.Unlock()

	rq.Running = nil
}

// CPUSnapshot reports one CPU's dispatcher state for introspection
// (SPEC_FULL §3 supplemental: Dispatcher.Snapshot()).
type CPUSnapshot struct {
	CPU         int
	Running     task.ID
	HasRunning  bool
	FairRunning int
	RTRunning   int
	IdealSlice  time.Duration
}

// Snapshot captures the current state of every CPU's runqueues.
func (d *Dispatcher) Snapshot() []CPUSnapshot {
	cpus := d.sched.CPUs()
	out := make([]CPUSnapshot, len(cpus))
	for i, rq := range cpus {
		snap := CPUSnapshot{CPU: rq.Index, FairRunning: rq.Fair.Len(), RTRunning: rq.RT.Len(), IdealSlice: rq.IdealSlice()}
		if rq.Running != nil {
			rq.Running.Lock()
			snap.Running = rq.Running.ID
			snap.HasRunning = true
			rq.Running.Unlock()
		}
		out[i] = snap
	}
	return out
}
