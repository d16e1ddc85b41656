package sched

import (
	"context"
	"time"
)

// LoadBalancer periodically migrates fair-class tasks from the most-loaded
// CPU to the least-loaded one within each task's affinity mask (spec §9:
// "100ms interval, migration cap of 32 tasks per pass"). RT tasks are never
// migrated automatically — RT affinity is treated as a pinning decision the
// operator made deliberately.
type LoadBalancer struct {
	sched *Scheduler
}

// NewLoadBalancer builds a load balancer bound to sched.
func NewLoadBalancer(sched *Scheduler) *LoadBalancer {
	return &LoadBalancer{sched: sched}
}

// Run blocks, rebalancing every Tunables.BalanceInterval until ctx is
// canceled.
func (b *LoadBalancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.sched.tune.BalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.balance()
		}
	}
}

func (b *LoadBalancer) balance() {
	cpus := b.sched.CPUs()
	if len(cpus) < 2 {
		return
	}

	migrated := 0
	for migrated < b.sched.tune.MaxMigrationsPerBalance {
		most, least := b.mostAndLeastLoaded(cpus)
		if most == nil || least == nil || most == least {
			return
		}
		if most.Fair.Len()-least.Fair.Len() < 2 {
			return // imbalance too small to be worth migrating
		}

		t, ok := most.Fair.Pick()
		if !ok {
			return
		}

		t.Lock()
		affinity := t.AffinityMask
		t.Unlock()
		if affinity != 0 && affinity&(1<<uint(least.Index)) == 0 {
			return // the most-loaded CPU's lightest-movable task can't go there
		}

		most.Fair.Dequeue(t)
		t.Lock()
		t.CPU = least.Index
		t.Unlock()
		least.Fair.Enqueue(t)
		migrated++
	}
}

func (b *LoadBalancer) mostAndLeastLoaded(cpus []*CPURunQueue) (most, least *CPURunQueue) {
	for _, rq := range cpus {
		if rq.Fair.Len() == 0 {
			continue
		}
		if most == nil || rq.Fair.Len() > most.Fair.Len() {
			most = rq
		}
	}
	for _, rq := range cpus {
		if least == nil || rq.Fair.Len() < least.Fair.Len() {
			least = rq
		}
	}
	return most, least
}
