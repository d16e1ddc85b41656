package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/sched/task"
)

func Test_TickAdvancesFairTaskVRuntime(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 1, DefaultTunables())
	tk := s.CreateTask(1, 1, task.PolicyNormal, 0)
	d := NewDispatcher(s)

	before := tk.VRuntime
	d.tick(s.cpus[0])
	assert.Greater(t, tk.VRuntime, before)
}

func Test_SnapshotReportsRunqueueLengths(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 2, DefaultTunables())
	s.CreateTask(1, 1, task.PolicyNormal, 0)
	s.CreateTask(2, 2, task.PolicyRR, 0)
	d := NewDispatcher(s)

	snap := d.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, snap[0].FairRunning)
}

// Test_TickFallsBackToIdleWhenRunqueueIsEmpty exercises spec §9 testable
// property 7: a CPU with no runnable task still has exactly one current
// task, its idle fallback.
func Test_TickFallsBackToIdleWhenRunqueueIsEmpty(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 1, DefaultTunables())
	d := NewDispatcher(s)

	rq := s.cpus[0]
	picked, ok := rq.PickNext(c.Now())
	assert.True(t, ok)
	assert.Same(t, rq.Idle, picked)

	d.tick(rq)
	assert.Nil(t, rq.Running)
}

// Test_FIFOTaskNeverRotatesOnTick checks that a lone SCHED_FIFO task's RR
// slice accounting never fires: FIFO tasks run until they yield or are
// preempted, never on a tick-driven time slice (spec §9 "Default RR slice:
// 100 ms" applies only to RR).
func Test_FIFOTaskNeverRotatesOnTick(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 1, DefaultTunables())
	a := s.CreateTask(1, 1, task.PolicyFIFO, 0)
	b := s.CreateTask(2, 2, task.PolicyFIFO, 0)
	a.RTPriority, b.RTPriority = 5, 5
	d := NewDispatcher(s)

	for i := 0; i < 200; i++ {
		d.tick(s.cpus[0])
	}

	assert.Zero(t, a.RRRuntime)
	picked, ok := s.cpus[0].PickNext(c.Now())
	assert.True(t, ok)
	assert.Equal(t, a.ID, picked.ID, "FIFO head never rotates, unlike RR")
}

// Test_RRTaskRotatesAfterSlice checks that a SCHED_RR task is rotated to
// the tail of its priority list once RRSlice worth of ticks have run.
func Test_RRTaskRotatesAfterSlice(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 1, DefaultTunables())
	a := s.CreateTask(1, 1, task.PolicyRR, 0)
	b := s.CreateTask(2, 2, task.PolicyRR, 0)
	// The RT queue files a task under its RTPriority at Enqueue time, so
	// both are re-queued to move them into priority list 5.
	s.cpus[0].RT.Dequeue(a)
	s.cpus[0].RT.Dequeue(b)
	a.RTPriority, b.RTPriority = 5, 5
	s.cpus[0].RT.Enqueue(a)
	s.cpus[0].RT.Enqueue(b)
	d := NewDispatcher(s)

	// RRSlice is 100ms, DispatchInterval is 1ms: 100 ticks exhausts it.
	for i := 0; i < 100; i++ {
		d.tick(s.cpus[0])
	}

	picked, ok := s.cpus[0].PickNext(c.Now())
	assert.True(t, ok)
	assert.Equal(t, b.ID, picked.ID, "a's slice is exhausted, b now heads the list")
}
