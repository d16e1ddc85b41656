package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/sched/task"
)

func Test_CreateTaskAssignsLeastLoadedCPU(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 2, DefaultTunables())

	a := s.CreateTask(1, 1, task.PolicyNormal, 0)
	assert.Equal(t, 0, a.CPU)
	b := s.CreateTask(2, 2, task.PolicyNormal, 0)
	assert.Equal(t, 1, b.CPU)
}

func Test_SetPolicyMovesTaskBetweenClasses(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 1, DefaultTunables())
	tk := s.CreateTask(1, 1, task.PolicyNormal, 0)
	assert.Equal(t, 1, s.CPUs()[0].Fair.Len())

	require.NoError(t, s.SetPolicy(tk.ID, task.PolicyRR))
	assert.Equal(t, 0, s.CPUs()[0].Fair.Len())
	assert.Equal(t, 1, s.CPUs()[0].RT.Len())
}

func Test_DestroyTaskRemovesFromRegistryAndRunqueue(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 1, DefaultTunables())
	tk := s.CreateTask(1, 1, task.PolicyNormal, 0)

	require.NoError(t, s.DestroyTask(tk.ID))
	_, err := s.Tasks().Lookup(tk.ID)
	require.Error(t, err)
	assert.Equal(t, 0, s.CPUs()[0].Len())
}

func Test_RTAlwaysPreemptsFairInPickNext(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 1, DefaultTunables())
	s.CreateTask(1, 1, task.PolicyNormal, 0)
	rtTask := s.CreateTask(2, 2, task.PolicyRR, 0)

	picked, ok := s.CPUs()[0].PickNext(c.Now())
	require.True(t, ok)
	assert.Equal(t, rtTask.ID, picked.ID)
}
