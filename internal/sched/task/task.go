// Package task implements the scheduler's task representation and the
// ID-keyed registry spec §9 mandates in place of raw pointers threaded
// between subsystems ("represent cross-subsystem references as IDs into
// registries").
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vkernel/vkernel/internal/kerr"
)

// Policy is a task's scheduling policy (spec §6, §9 "policy constants
// NORMAL/FIFO/RR/BATCH/IDLE"). FIFO and RR belong to the real-time class;
// NORMAL, BATCH, and IDLE belong to the fair class.
type Policy int

const (
	PolicyNormal Policy = iota
	PolicyFIFO
	PolicyRR
	PolicyBatch
	PolicyIdle
)

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "NORMAL"
	case PolicyFIFO:
		return "FIFO"
	case PolicyRR:
		return "RR"
	case PolicyBatch:
		return "BATCH"
	case PolicyIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

// IsRT reports whether p belongs to the real-time class (spec §9 "the RT
// class is strictly prioritized over fair"): FIFO runs to voluntary
// yield/preemption, RR additionally rotates on time-slice exhaustion (spec
// §9 "Default RR slice: 100 ms").
func (p Policy) IsRT() bool {
	return p == PolicyFIFO || p == PolicyRR
}

// State is a task's run state.
type State int

const (
	StateRunnable State = iota
	StateRunning
	StateSleeping
	StateStopped
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "RUNNABLE"
	case StateRunning:
		return "RUNNING"
	case StateSleeping:
		return "SLEEPING"
	case StateStopped:
		return "STOPPED"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// ID uniquely identifies a task within a registry.
type ID uint64

// NoCPU means the task is not currently assigned to any CPU runqueue.
const NoCPU = -1

// Task is one schedulable entity. Both the fair class (vruntime/weight) and
// the RT class (priority) carry their fields directly on Task rather than
// via an embedded interface, mirroring the teacher's flat descriptor
// structs (e.g. route/internal/rib route entries).
type Task struct {
	mu sync.Mutex

	ID   ID
	PID  uint32
	TGID uint32

	State  State
	Policy Policy

	// Fair class (spec §9 "Fair").
	Nice     int
	Weight   uint32
	VRuntime uint64

	// RT class (spec §9 "RT").
	RTPriority int           // 0 (highest) .. 99 (lowest)
	RRRuntime  time.Duration // accumulated runtime since the last RR rotation

	CPU          int
	AffinityMask uint64
}

// idleIDBase offsets the per-CPU idle fallback tasks' synthetic IDs well
// past any ID a Registry will ever assign.
const idleIDBase = ID(1) << 63

// IdleID returns the synthetic ID for cpu's idle fallback task, distinct
// from every Registry-assigned ID (which start at 1 and count up).
func IdleID(cpu int) ID { return idleIDBase + ID(cpu) }

// NewIdle returns cpu's idle fallback task (spec §3.2 Runqueue "idle task",
// spec §9 testable property 7: "exactly one current task at all times,
// falling back to idle"): always runnable, never enqueued in either class's
// runqueue, picked only when both are empty.
func NewIdle(cpu int) *Task {
	return &Task{
		ID:     IdleID(cpu),
		State:  StateRunnable,
		Policy: PolicyIdle,
		Weight: idleWeight,
		CPU:    cpu,
	}
}

func (t *Task) Lock()   { t.mu.Lock() }
func (t *Task) Unlock() { t.mu.Unlock() }

// Registry is the ID-keyed task table (spec §9).
type Registry struct {
	mu      sync.RWMutex
	tasks   map[ID]*Task
	nextID  atomic.Uint64
}

// NewRegistry returns an empty task registry.
func NewRegistry() *Registry {
	r := &Registry{tasks: make(map[ID]*Task)}
	r.nextID.Store(1)
	return r
}

// Create allocates a new task in StateRunnable with the given policy and
// affinity, and indexes it by a freshly assigned ID.
func (r *Registry) Create(pid, tgid uint32, policy Policy, affinity uint64) *Task {
	id := ID(r.nextID.Add(1) - 1)
	t := &Task{
		ID: id, PID: pid, TGID: tgid,
		State: StateRunnable, Policy: policy,
		Nice: 0, Weight: WeightFor(policy, 0),
		RTPriority:   0,
		CPU:          NoCPU,
		AffinityMask: affinity,
	}
	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()
	return t
}

// Destroy removes a task from the registry (spec invariant: every runqueue
// entry references a live registry ID — callers must dequeue before
// destroying).
func (r *Registry) Destroy(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return kerr.New(kerr.NotFound, "task.Destroy")
	}
	delete(r.tasks, id)
	return nil
}

// Lookup finds the task for id.
func (r *Registry) Lookup(id ID) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, kerr.New(kerr.NotFound, "task.Lookup")
	}
	return t, nil
}

// All returns every live task; callers must not mutate the returned slice's
// contents without holding the individual task's lock.
func (r *Registry) All() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// niceToWeightTable is the standard CFS nice-to-weight table (spec §9 "a
// 40-entry nice-to-weight table"), indexed by nice+20 over [-20, 19].
var niceToWeightTable = [40]uint32{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/* -5  */ 3121, 2501, 1991, 1586, 1277,
	/* 0   */ 1024, 820, 655, 526, 423,
	/* 5   */ 335, 272, 215, 172, 137,
	/* 10  */ 110, 87, 70, 56, 45,
	/* 15  */ 36, 29, 23, 18, 15,
}

func niceToWeight(nice int) uint32 {
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	return niceToWeightTable[nice+20]
}

// idleWeight is Linux's WEIGHT_IDLEPRIO: a fixed weight below anything the
// nice table can produce, so a PolicyIdle task only runs once nothing else
// on the fair runqueue is runnable.
const idleWeight = 3

// WeightFor returns the fair-class scheduling weight for policy/nice:
// PolicyIdle ignores nice and always gets idleWeight; NORMAL/BATCH follow
// the nice-to-weight table (spec §9 "a 40-entry nice-to-weight table").
func WeightFor(policy Policy, nice int) uint32 {
	if policy == PolicyIdle {
		return idleWeight
	}
	return niceToWeight(nice)
}

// SetNice updates a fair-class task's nice value and derived weight (spec
// §9 "set_nice").
func (t *Task) SetNice(nice int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Nice = nice
	t.Weight = WeightFor(t.Policy, nice)
}
