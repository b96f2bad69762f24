package balancer

import (
	"time"

	"github.com/t77yq/parallel-runner/internal/model"
)

// Strategy names accepted by ForName and the engine options.
const (
	StrategyRoundRobin = "round-robin"
	StrategyWeighted   = "weighted"
	StrategyDynamic    = "dynamic"
)

// Strategy defines the interface for load balancing strategies. SelectWorker
// and ShouldRebalance are decision functions over the snapshot passed in; the
// Dynamic strategy additionally keeps smoothed completion history, which the
// balancer feeds through the CompletionObserver interface.
type Strategy interface {
	Name() string

	// SelectWorker picks a target worker for the task, or returns
	// ErrNoAvailableWorkers when none is selectable. Workers are passed in
	// registration order.
	SelectWorker(workers []*model.WorkerNode, task *model.Task) (*model.WorkerNode, error)

	// ShouldRebalance reports whether current load is skewed enough to be
	// worth correcting.
	ShouldRebalance(workers []*model.WorkerNode) bool
}

// CompletionObserver is implemented by strategies that learn from completion
// times. The balancer notifies it on every task completion.
type CompletionObserver interface {
	ObserveCompletion(workerID int, duration time.Duration)
}

// ForName returns the strategy registered under the given name.
func ForName(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin:
		return NewRoundRobinStrategy(), nil
	case StrategyWeighted:
		return NewWeightedStrategy(), nil
	case StrategyDynamic:
		return NewDynamicStrategy(), nil
	default:
		return nil, ErrUnknownStrategy
	}
}
