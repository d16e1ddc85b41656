package fair

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vkernel/vkernel/internal/sched/task"
)

func newTask(id task.ID, vruntime uint64, weight uint32) *task.Task {
	return &task.Task{ID: id, VRuntime: vruntime, Weight: weight}
}

func Test_PickReturnsLowestVRuntime(t *testing.T) {
	rq := NewRunQueue()
	rq.Enqueue(newTask(1, 500, 1024))
	rq.Enqueue(newTask(2, 100, 1024))
	rq.Enqueue(newTask(3, 900, 1024))

	picked, ok := rq.Pick()
	assert.True(t, ok)
	assert.Equal(t, task.ID(2), picked.ID)
}

func Test_TickAdvancesVRuntimeInverselyToWeight(t *testing.T) {
	rq := NewRunQueue()
	heavy := newTask(1, 0, 2048) // double weight -> half vruntime growth
	light := newTask(2, 0, 1024)
	rq.Enqueue(heavy)
	rq.Enqueue(light)

	rq.Tick(heavy, 1_000_000)
	rq.Tick(light, 1_000_000)

	assert.Less(t, heavy.VRuntime, light.VRuntime)
}

func Test_SleeperWakesAtQueueFloorNotZero(t *testing.T) {
	rq := NewRunQueue()
	rq.Enqueue(newTask(1, 10_000, 1024))
	rq.Tick(func() *task.Task { tk, _ := rq.Pick(); return tk }(), 5_000_000)

	sleeper := newTask(2, 0, 1024)
	rq.Enqueue(sleeper)
	assert.GreaterOrEqual(t, sleeper.VRuntime, uint64(10_000))
}

func Test_DequeueRemovesTask(t *testing.T) {
	rq := NewRunQueue()
	tk := newTask(1, 100, 1024)
	rq.Enqueue(tk)
	assert.Equal(t, 1, rq.Len())
	rq.Dequeue(tk)
	assert.Equal(t, 0, rq.Len())
}

func Test_ShouldPreemptOnLargeVRuntimeGap(t *testing.T) {
	running := newTask(1, 10_000_000, 1024)
	waking := newTask(2, 0, 1024)
	assert.True(t, ShouldPreempt(running, waking, MinGranularity))
	assert.False(t, ShouldPreempt(waking, running, MinGranularity))
}

func Test_IdealSliceSplitsLatencyAcrossRunnersFlooredAtMinGranularity(t *testing.T) {
	rq := NewRunQueueWithMinGranularity(1_000_000)
	assert.Equal(t, uint64(6_000_000), rq.IdealSlice(6_000_000, 1))
	assert.Equal(t, uint64(1_000_000), rq.IdealSlice(6_000_000, 10), "floored at MinGranularity")
}
