package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/sched/task"
)

func Test_BalanceMovesTasksFromMostToLeastLoaded(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 2, DefaultTunables())

	// force everything onto CPU 0 directly to simulate imbalance.
	for i := 0; i < 5; i++ {
		tk := s.tasks.Create(uint32(i), uint32(i), task.PolicyNormal, 0)
		tk.CPU = 0
		s.cpus[0].Enqueue(tk)
	}

	lb := NewLoadBalancer(s)
	lb.balance()

	assert.Less(t, s.cpus[0].Fair.Len(), 5)
	assert.Greater(t, s.cpus[1].Fair.Len(), 0)
}

func Test_BalanceRespectsAffinityMask(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	s := New(c, 2, DefaultTunables())

	for i := 0; i < 5; i++ {
		tk := s.tasks.Create(uint32(i), uint32(i), task.PolicyNormal, 1) // CPU 0 only
		tk.CPU = 0
		s.cpus[0].Enqueue(tk)
	}

	lb := NewLoadBalancer(s)
	lb.balance()

	assert.Equal(t, 5, s.cpus[0].Fair.Len())
	assert.Equal(t, 0, s.cpus[1].Fair.Len())
}
