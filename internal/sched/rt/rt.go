// Package rt implements the real-time scheduling class (spec §9): 100
// fixed priority levels, each a FIFO run list, with an occupancy bitmap
// giving O(1) discovery of the highest populated priority.
package rt

import (
	"time"

	"github.com/vkernel/vkernel/internal/sched/task"
)

// BandwidthPeriod and BandwidthRuntime implement RT throttling: RT tasks
// may consume at most 95% of each 1-second period (spec §9 "RT bandwidth
// throttling: 95% of a 1s period").
const (
	BandwidthPeriod  = time.Second
	BandwidthRuntime = 950 * time.Millisecond
)

// RRSlice is the time slice a SCHED_RR task runs before being rotated to
// the tail of its priority list (spec §9 "Default RR slice: 100 ms").
// SCHED_FIFO tasks never rotate on a slice; they run until they yield or a
// higher-priority task preempts them.
const RRSlice = 100 * time.Millisecond

// RunQueue is the real-time class's per-CPU set of priority-ordered FIFO
// lists.
type RunQueue struct {
	lists  [NumPriorities][]*task.Task
	bitmap priorityBitmap

	period, runtime time.Duration
	periodStart     time.Time
	consumed        time.Duration
	throttled       bool
}

// NewRunQueue returns an empty RT runqueue using the spec-default
// BandwidthPeriod/BandwidthRuntime throttle.
func NewRunQueue(now time.Time) *RunQueue {
	return NewRunQueueWithBandwidth(now, BandwidthPeriod, BandwidthRuntime)
}

// NewRunQueueWithBandwidth returns an empty RT runqueue throttled to
// runtime per period, the rt_period_ns/rt_runtime_ns tunables (spec §6)
// rather than the compiled-in defaults.
func NewRunQueueWithBandwidth(now time.Time, period, runtime time.Duration) *RunQueue {
	return &RunQueue{period: period, runtime: runtime, periodStart: now}
}

// Enqueue appends t to the FIFO list for its RTPriority (spec §9 "RT class:
// strict FIFO within a priority level").
func (rq *RunQueue) Enqueue(t *task.Task) {
	t.Lock()
	p := t.RTPriority
	t.Unlock()

	rq.lists[p] = append(rq.lists[p], t)
	rq.bitmap.set(p)
}

// Dequeue removes t from its priority list.
func (rq *RunQueue) Dequeue(t *task.Task) {
	t.Lock()
	p := t.RTPriority
	t.Unlock()

	list := rq.lists[p]
	for i, candidate := range list {
		if candidate.ID == t.ID {
			rq.lists[p] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(rq.lists[p]) == 0 {
		rq.bitmap.clear(p)
	}
}

// Pick returns the head of the highest-priority non-empty list, without
// removing it.
func (rq *RunQueue) Pick(now time.Time) (*task.Task, bool) {
	if rq.Throttled(now) {
		return nil, false
	}
	p, ok := rq.bitmap.highest()
	if !ok {
		return nil, false
	}
	list := rq.lists[p]
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// Rotate moves the FIFO head of priority p to the tail, for round-robin
// among same-priority RT tasks once their time slice expires.
func (rq *RunQueue) Rotate(priority int) {
	list := rq.lists[priority]
	if len(list) < 2 {
		return
	}
	rq.lists[priority] = append(list[1:], list[0])
}

// AccountRuntime records ran time against the bandwidth period, throttling
// the class once 95% of the period is consumed, and resetting the window
// once a new period begins.
func (rq *RunQueue) AccountRuntime(now time.Time, ran time.Duration) {
	if now.Sub(rq.periodStart) >= rq.period {
		rq.periodStart = now
		rq.consumed = 0
		rq.throttled = false
	}
	rq.consumed += ran
	if rq.consumed >= rq.runtime {
		rq.throttled = true
	}
}

// Throttled reports whether the RT class is currently denied the CPU under
// its bandwidth cap.
func (rq *RunQueue) Throttled(now time.Time) bool {
	if now.Sub(rq.periodStart) >= rq.period {
		return false
	}
	return rq.throttled
}

// Len returns the total number of runnable RT tasks across all priorities.
func (rq *RunQueue) Len() int {
	n := 0
	for _, l := range rq.lists {
		n += len(l)
	}
	return n
}
