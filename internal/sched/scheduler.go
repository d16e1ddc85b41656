// Package sched implements the multi-class CPU scheduler (spec §9): a
// fixed set of per-CPU runqueues combining the fair and real-time classes,
// a single dispatcher loop per CPU, and a periodic load balancer.
package sched

import (
	"time"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/sched/fair"
	"github.com/vkernel/vkernel/internal/sched/rt"
	"github.com/vkernel/vkernel/internal/sched/task"
)

// DispatchInterval is the dispatcher loop's tick cadence (spec §9 "1ms
// cadence").
const DispatchInterval = time.Millisecond

// BalanceInterval is the load balancer's default sweep cadence (spec §9
// "100ms interval"), overridden per Scheduler by Tunables.BalanceInterval.
const BalanceInterval = 100 * time.Millisecond

// MaxMigrationsPerBalance caps how many tasks one balancing pass moves by
// default (spec §9 "migration cap of 32"), overridden per Scheduler by
// Tunables.MaxMigrationsPerBalance.
const MaxMigrationsPerBalance = 32

// Tunables holds the scheduler's configurable parameters (spec §6:
// sched_latency_ns, sched_min_granularity_ns, sched_wakeup_granularity_ns,
// balance_interval_ms, nr_migrate, rt_period_ns, rt_runtime_ns). sched
// deliberately doesn't import internal/config so it stays usable outside
// the façade; pkg/vkernel maps config.SchedulerConfig onto this.
type Tunables struct {
	SchedLatency            time.Duration
	MinGranularity          time.Duration
	WakeupGranularity       time.Duration
	BalanceInterval         time.Duration
	MaxMigrationsPerBalance int
	RTPeriod                time.Duration
	RTRuntime               time.Duration
}

// DefaultTunables mirrors this package's compiled-in defaults.
func DefaultTunables() Tunables {
	return Tunables{
		SchedLatency:            6 * time.Millisecond,
		MinGranularity:          time.Duration(fair.MinGranularity),
		WakeupGranularity:       time.Duration(fair.MinGranularity),
		BalanceInterval:         BalanceInterval,
		MaxMigrationsPerBalance: MaxMigrationsPerBalance,
		RTPeriod:                rt.BandwidthPeriod,
		RTRuntime:               rt.BandwidthRuntime,
	}
}

// CPURunQueue is one CPU's combined fair+RT runqueue, plus the idle
// fallback task that runs when both are empty (spec §3.2 Runqueue, spec §9
// testable property 7: "exactly one current task at all times, falling
// back to idle"). RT always preempts fair (spec §9: "the RT class is
// strictly prioritized over fair").
type CPURunQueue struct {
	Index int
	Fair  *fair.RunQueue
	RT    *rt.RunQueue
	Idle  *task.Task
	tune  Tunables

	Running *task.Task
}

// NewCPURunQueue builds an empty per-CPU runqueue pair with its idle task,
// using tune's granularity/bandwidth parameters.
func NewCPURunQueue(index int, now time.Time, tune Tunables) *CPURunQueue {
	return &CPURunQueue{
		Index: index,
		Fair:  fair.NewRunQueueWithMinGranularity(uint64(tune.MinGranularity)),
		RT:    rt.NewRunQueueWithBandwidth(now, tune.RTPeriod, tune.RTRuntime),
		Idle:  task.NewIdle(index),
		tune:  tune,
	}
}

// IdealSlice returns this CPU's current CFS sched_slice() for introspection
// (spec §6 sched_latency_ns / sched_min_granularity_ns).
func (rq *CPURunQueue) IdealSlice() time.Duration {
	return time.Duration(rq.Fair.IdealSlice(uint64(rq.tune.SchedLatency), rq.Fair.Len()))
}

// Len returns the total runnable count across both classes.
func (rq *CPURunQueue) Len() int {
	return rq.Fair.Len() + rq.RT.Len()
}

// PickNext returns the task the dispatcher should run next: the RT class's
// highest-priority head if any RT task is runnable and unthrottled, else
// the fair class's minimum-vruntime task, else this CPU's idle fallback
// task (spec §9 "pick_next_task").
func (rq *CPURunQueue) PickNext(now time.Time) (*task.Task, bool) {
	if t, ok := rq.RT.Pick(now); ok {
		return t, true
	}
	if t, ok := rq.Fair.Pick(); ok {
		return t, true
	}
	return rq.Idle, true
}

// Enqueue places t on the class-appropriate list.
func (rq *CPURunQueue) Enqueue(t *task.Task) {
	t.Lock()
	policy := t.Policy
	t.Unlock()

	if policy.IsRT() {
		rq.RT.Enqueue(t)
	} else {
		rq.Fair.Enqueue(t)
	}
}

// Dequeue removes t from the class-appropriate list.
func (rq *CPURunQueue) Dequeue(t *task.Task) {
	t.Lock()
	policy := t.Policy
	t.Unlock()

	if policy.IsRT() {
		rq.RT.Dequeue(t)
	} else {
		rq.Fair.Dequeue(t)
	}
}

// Scheduler is the kernel-facing façade tying the task registry, per-CPU
// runqueues, dispatcher, and load balancer together (spec §9:
// "init/start/stop/create_task/destroy_task/wake_up/set_state/set_nice/set_policy").
type Scheduler struct {
	clock clock.Clock
	tasks *task.Registry
	cpus  []*CPURunQueue
	tune  Tunables

	stopCh chan struct{}
}

// New builds a scheduler with numCPUs per-CPU runqueues, threaded with
// tune's configured granularity/bandwidth parameters.
func New(c clock.Clock, numCPUs int, tune Tunables) *Scheduler {
	cpus := make([]*CPURunQueue, numCPUs)
	now := c.Now()
	for i := range cpus {
		cpus[i] = NewCPURunQueue(i, now, tune)
	}
	return &Scheduler{
		clock: c,
		tasks: task.NewRegistry(),
		cpus:  cpus,
		tune:  tune,
	}
}

// CreateTask allocates a task, assigns it to the least-loaded permitted
// CPU, and enqueues it runnable (spec §9 "create_task").
func (s *Scheduler) CreateTask(pid, tgid uint32, policy task.Policy, affinity uint64) *task.Task {
	t := s.tasks.Create(pid, tgid, policy, affinity)
	cpu := s.leastLoadedPermittedCPU(affinity)
	t.Lock()
	t.CPU = cpu
	t.Unlock()
	s.cpus[cpu].Enqueue(t)
	return t
}

// DestroyTask dequeues and removes t from the registry (spec §9
// "destroy_task").
func (s *Scheduler) DestroyTask(id task.ID) error {
	t, err := s.tasks.Lookup(id)
	if err != nil {
		return err
	}
	t.Lock()
	cpu := t.CPU
	t.Unlock()
	if cpu != task.NoCPU {
		s.cpus[cpu].Dequeue(t)
	}
	return s.tasks.Destroy(id)
}

// WakeUp transitions a sleeping task back to runnable and re-enqueues it,
// applying the fair class's wakeup preemption rule (spec §9 "wake_up").
func (s *Scheduler) WakeUp(id task.ID) error {
	t, err := s.tasks.Lookup(id)
	if err != nil {
		return err
	}
	t.Lock()
	t.State = task.StateRunnable
	cpu := t.CPU
	t.Unlock()

	rq := s.cpus[cpu]
	rq.Enqueue(t)

	if t.Policy == task.PolicyNormal && rq.Running != nil && rq.Running != rq.Idle && !rq.Running.Policy.IsRT() {
		if fair.ShouldPreempt(rq.Running, t, uint64(rq.tune.WakeupGranularity)) {
			rq.Running.Lock()
			rq.Running.State = task.StateRunnable
			rq.Running.Unlock()
			rq.Enqueue(rq.Running)
			rq.Running = nil
		}
	}
	return nil
}

// SetState sets a task's run state directly (spec §9 "set_state", e.g. for
// voluntary sleep/stop).
func (s *Scheduler) SetState(id task.ID, state task.State) error {
	t, err := s.tasks.Lookup(id)
	if err != nil {
		return err
	}
	t.Lock()
	defer t.Unlock()
	t.State = state
	return nil
}

// SetNice updates a fair-class task's niceness (spec §9 "set_nice").
func (s *Scheduler) SetNice(id task.ID, nice int) error {
	t, err := s.tasks.Lookup(id)
	if err != nil {
		return err
	}
	t.SetNice(nice)
	return nil
}

// SetPolicy migrates a task between the fair and RT classes, re-enqueuing
// it on its current CPU's other runqueue (spec §9 "set_policy").
func (s *Scheduler) SetPolicy(id task.ID, policy task.Policy) error {
	t, err := s.tasks.Lookup(id)
	if err != nil {
		return err
	}
	t.Lock()
	cpu := t.CPU
	wasRunnable := t.State == task.StateRunnable
	t.Unlock()

	rq := s.cpus[cpu]
	if wasRunnable {
		rq.Dequeue(t)
	}
	t.Lock()
	t.Policy = policy
	t.Weight = task.WeightFor(policy, t.Nice)
	t.Unlock()
	if wasRunnable {
		rq.Enqueue(t)
	}
	return nil
}

func (s *Scheduler) leastLoadedPermittedCPU(affinity uint64) int {
	best, bestLen := -1, -1
	for i, rq := range s.cpus {
		if affinity != 0 && affinity&(1<<uint(i)) == 0 {
			continue
		}
		if best == -1 || rq.Len() < bestLen {
			best, bestLen = i, rq.Len()
		}
	}
	if best == -1 {
		return 0
	}
	return best
}

// Tasks exposes the registry for introspection (e.g. the CLI dump command).
func (s *Scheduler) Tasks() *task.Registry { return s.tasks }

// CPUs exposes the per-CPU runqueues for introspection and the
// dispatcher/load balancer.
func (s *Scheduler) CPUs() []*CPURunQueue { return s.cpus }
