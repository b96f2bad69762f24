package engine

import (
	"runtime"
	"time"

	"github.com/t77yq/parallel-runner/internal/balancer"
	"github.com/t77yq/parallel-runner/internal/isolation"
)

// Options configures one executor. Start from DefaultOptions and override.
// Zero sizes and durations are normalized back to their defaults, but
// Retries and ErrorIsolation are taken as given: the zero value of Options
// means no retries and no quarantine. DefaultOptions carries the standard
// configuration (2 retries, isolation on).
type Options struct {
	// MaxWorkers is the fixed pool size for a batch.
	MaxWorkers int

	// TaskTimeout is the per-task execution ceiling enforced inside the
	// worker runtime.
	TaskTimeout time.Duration

	// Retries is the per-task retry budget applied to tasks that carry none.
	Retries int

	// Strategy selects the load balancing policy by name.
	Strategy string

	// ErrorIsolation enables worker quarantine. Classification and recovery
	// selection run regardless.
	ErrorIsolation bool

	// MaxLoad is each worker's capacity ceiling in estimated-duration units.
	MaxLoad time.Duration

	// RebalanceInterval is the period of the bookkeeping rebalance tick.
	RebalanceInterval time.Duration

	// ReadyTimeout bounds the worker startup handshake.
	ReadyTimeout time.Duration

	// GlobalTimeout caps a whole batch. Zero derives a generous ceiling from
	// the task count and TaskTimeout.
	GlobalTimeout time.Duration

	// Isolation is the quarantine policy. A zero value takes the default.
	Isolation isolation.Policy
}

// DefaultOptions returns the options used when the embedder overrides
// nothing: host parallelism minus one workers (floor 1), 30s task timeout,
// 2 retries, weighted balancing, isolation on.
func DefaultOptions() Options {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	return Options{
		MaxWorkers:        workers,
		TaskTimeout:       30 * time.Second,
		Retries:           2,
		Strategy:          balancer.StrategyWeighted,
		ErrorIsolation:    true,
		MaxLoad:           time.Minute,
		RebalanceInterval: 5 * time.Second,
		ReadyTimeout:      5 * time.Second,
		Isolation:         isolation.DefaultPolicy(),
	}
}

// normalized fills zero values back in from the defaults.
func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = def.MaxWorkers
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = def.TaskTimeout
	}
	if o.Retries < 0 {
		o.Retries = def.Retries
	}
	if o.Strategy == "" {
		o.Strategy = def.Strategy
	}
	if o.MaxLoad <= 0 {
		o.MaxLoad = def.MaxLoad
	}
	if o.RebalanceInterval <= 0 {
		o.RebalanceInterval = def.RebalanceInterval
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = def.ReadyTimeout
	}
	if o.Isolation == (isolation.Policy{}) {
		o.Isolation = def.Isolation
	}
	o.Isolation.Enabled = o.ErrorIsolation
	return o
}

// globalTimeoutFor derives the batch ceiling: per-task timeout times the
// submitted task count plus one, a deliberately generous bound that only
// fires when the loop is stuck.
func (o Options) globalTimeoutFor(taskCount int) time.Duration {
	if o.GlobalTimeout > 0 {
		return o.GlobalTimeout
	}
	return o.TaskTimeout * time.Duration(taskCount+1)
}
