package config

import (
	"fmt"
	"time"
)

// SchedulerConfig holds the recognized scheduler tunables of spec §6.
type SchedulerConfig struct {
	SchedLatency           time.Duration `yaml:"sched_latency_ns"`
	SchedMinGranularity    time.Duration `yaml:"sched_min_granularity_ns"`
	SchedWakeupGranularity time.Duration `yaml:"sched_wakeup_granularity_ns"`
	BalanceInterval        time.Duration `yaml:"balance_interval_ms"`
	NrMigrate              int           `yaml:"nr_migrate"`
	RTPeriod               time.Duration `yaml:"rt_period_ns"`
	RTRuntime              time.Duration `yaml:"rt_runtime_ns"`
	NumCPUs                int           `yaml:"num_cpus"`
}

// DefaultSchedulerConfig returns the spec-mandated defaults (§4.12-§4.14):
// 6ms sched_latency, 1.5ms min_granularity, 2ms wakeup_granularity, 100ms
// balance_interval, 32 nr_migrate, 1s/950ms RT period/runtime.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SchedLatency:           6 * time.Millisecond,
		SchedMinGranularity:    1500 * time.Microsecond,
		SchedWakeupGranularity: 2 * time.Millisecond,
		BalanceInterval:        100 * time.Millisecond,
		NrMigrate:              32,
		RTPeriod:               time.Second,
		RTRuntime:              950 * time.Millisecond,
		NumCPUs:                1,
	}
}

// Validate rejects nonsensical tunables (spec §6 lists these as the
// "recognized scheduler configuration options"; anything outside sane
// bounds is a config error, not a silently-clamped default).
func (c SchedulerConfig) Validate() error {
	if c.NumCPUs <= 0 {
		return fmt.Errorf("scheduler: num_cpus must be positive")
	}
	if c.SchedLatency <= 0 {
		return fmt.Errorf("scheduler: sched_latency_ns must be positive")
	}
	if c.SchedMinGranularity <= 0 || c.SchedMinGranularity > c.SchedLatency {
		return fmt.Errorf("scheduler: sched_min_granularity_ns must be positive and ≤ sched_latency_ns")
	}
	if c.SchedWakeupGranularity <= 0 {
		return fmt.Errorf("scheduler: sched_wakeup_granularity_ns must be positive")
	}
	if c.BalanceInterval <= 0 {
		return fmt.Errorf("scheduler: balance_interval_ms must be positive")
	}
	if c.NrMigrate <= 0 {
		return fmt.Errorf("scheduler: nr_migrate must be positive")
	}
	if c.RTPeriod <= 0 || c.RTRuntime <= 0 || c.RTRuntime > c.RTPeriod {
		return fmt.Errorf("scheduler: rt_runtime_ns must be positive and ≤ rt_period_ns")
	}
	return nil
}
