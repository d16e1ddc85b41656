// Package fair implements the CFS-style fair scheduling class (spec §9):
// tasks ordered by virtual runtime in a hand-rolled balanced binary search
// tree (an AVL tree — spec §9 explicitly allows a stdlib-only ordered
// index here, since no pack library exposes an order-statistics tree).
package fair

import (
	"github.com/vkernel/vkernel/internal/sched/task"
)

// MinGranularity is the smallest slice a runnable task is guaranteed before
// being eligible for preemption (spec §9).
const MinGranularity = uint64(1_000_000) // 1ms in nanoseconds-equivalent ticks

// key orders entries primarily by VRuntime, tie-broken by task ID so no two
// distinct tasks ever compare equal.
type key struct {
	vruntime uint64
	id       task.ID
}

func less(a, b key) bool {
	if a.vruntime != b.vruntime {
		return a.vruntime < b.vruntime
	}
	return a.id < b.id
}

type node struct {
	k           key
	t           *task.Task
	left, right *node
	height      int
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func balanceFactor(n *node) int {
	if n == nil {
		return 0
	}
	return height(n.left) - height(n.right)
}

func updateHeight(n *node) {
	l, r := height(n.left), height(n.right)
	if l > r {
		n.height = l + 1
	} else {
		n.height = r + 1
	}
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	updateHeight(y)
	updateHeight(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	updateHeight(x)
	updateHeight(y)
	return y
}

func rebalance(n *node) *node {
	updateHeight(n)
	bf := balanceFactor(n)
	if bf > 1 {
		if balanceFactor(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if bf < -1 {
		if balanceFactor(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func insert(n *node, k key, t *task.Task) *node {
	if n == nil {
		return &node{k: k, t: t, height: 1}
	}
	if less(k, n.k) {
		n.left = insert(n.left, k, t)
	} else {
		n.right = insert(n.right, k, t)
	}
	return rebalance(n)
}

func minNode(n *node) *node {
	for n.left != nil {
		n = n.left
	}
	return n
}

func remove(n *node, k key) *node {
	if n == nil {
		return nil
	}
	switch {
	case less(k, n.k):
		n.left = remove(n.left, k)
	case less(n.k, k):
		n.right = remove(n.right, k)
	default:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		succ := minNode(n.right)
		n.k, n.t = succ.k, succ.t
		n.right = remove(n.right, succ.k)
	}
	return rebalance(n)
}

// RunQueue is the fair class's per-CPU ordered index of runnable tasks.
type RunQueue struct {
	root           *node
	count          int
	minVRun        uint64
	minGranularity uint64
}

// NewRunQueue returns an empty fair runqueue using the spec-default
// MinGranularity wakeup-preemption threshold.
func NewRunQueue() *RunQueue {
	return NewRunQueueWithMinGranularity(MinGranularity)
}

// NewRunQueueWithMinGranularity returns an empty fair runqueue whose wakeup
// preemption threshold is minGranularityNanos, the sched_min_granularity_ns
// tunable (spec §6) rather than the compiled-in default.
func NewRunQueueWithMinGranularity(minGranularityNanos uint64) *RunQueue {
	return &RunQueue{minGranularity: minGranularityNanos}
}

// MinGranularity returns this runqueue's wakeup-preemption threshold, for
// ShouldPreempt callers that don't carry their own config.
func (rq *RunQueue) MinGranularity() uint64 { return rq.minGranularity }

// IdealSlice returns CFS's sched_slice(): the sched_latency_ns period split
// evenly among nrRunning runnable tasks, floored at this runqueue's
// MinGranularity so a crowded CPU never promises a slice shorter than that
// (spec §6 sched_latency_ns / sched_min_granularity_ns).
func (rq *RunQueue) IdealSlice(latencyNanos uint64, nrRunning int) uint64 {
	if nrRunning < 1 {
		nrRunning = 1
	}
	slice := latencyNanos / uint64(nrRunning)
	if slice < rq.minGranularity {
		slice = rq.minGranularity
	}
	return slice
}

// Enqueue inserts t, normalizing its vruntime against the queue's current
// minimum so a freshly woken sleeper doesn't unfairly dominate the CPU
// (spec §9 "sleeper fairness: a task waking after sleeping is placed at
// approximately the minimum vruntime present, not at zero").
func (rq *RunQueue) Enqueue(t *task.Task) {
	t.Lock()
	if t.VRuntime < rq.minVRun {
		t.VRuntime = rq.minVRun
	}
	k := key{vruntime: t.VRuntime, id: t.ID}
	t.Unlock()

	rq.root = insert(rq.root, k, t)
	rq.count++
}

// Dequeue removes t (identified by its last-known vruntime/ID) from the
// tree, e.g. when it blocks or is migrated.
func (rq *RunQueue) Dequeue(t *task.Task) {
	t.Lock()
	k := key{vruntime: t.VRuntime, id: t.ID}
	t.Unlock()

	rq.root = remove(rq.root, k)
	rq.count--
}

// Pick returns the leftmost (lowest vruntime) task without removing it —
// the next task to run (spec §9 dispatcher "pick_next_task").
func (rq *RunQueue) Pick() (*task.Task, bool) {
	if rq.root == nil {
		return nil, false
	}
	n := minNode(rq.root)
	return n.t, true
}

// Tick advances t's vruntime by runtime scaled inversely by its weight
// (spec §9: "vruntime advances inversely proportional to the task's
// weight"), re-positioning it in the tree, and updates the queue's
// floor so future sleepers wake in at roughly the right place.
func (rq *RunQueue) Tick(t *task.Task, runtimeNanos uint64) {
	rq.root = remove(rq.root, func() key {
		t.Lock()
		defer t.Unlock()
		return key{vruntime: t.VRuntime, id: t.ID}
	}())

	t.Lock()
	delta := runtimeNanos * 1024 / uint64(t.Weight)
	t.VRuntime += delta
	k := key{vruntime: t.VRuntime, id: t.ID}
	t.Unlock()

	rq.root = insert(rq.root, k, t)

	if n := rq.root; n != nil {
		rq.minVRun = minNode(n).k.vruntime
	}
}

// Len returns the number of runnable fair-class tasks.
func (rq *RunQueue) Len() int { return rq.count }

// ShouldPreempt reports whether waking reports a lower vruntime than the
// currently running task by more than minGranularityNanos (the
// sched_min_granularity_ns tunable, spec §6), per spec §9's wakeup
// preemption rule.
func ShouldPreempt(running, waking *task.Task, minGranularityNanos uint64) bool {
	running.Lock()
	rv := running.VRuntime
	running.Unlock()
	waking.Lock()
	wv := waking.VRuntime
	waking.Unlock()
	return rv > wv && rv-wv > minGranularityNanos
}
