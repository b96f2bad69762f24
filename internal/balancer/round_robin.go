package balancer

import (
	"sync"

	"github.com/t77yq/parallel-runner/internal/model"
)

// RoundRobinStrategy cycles through available workers in registration order,
// ignoring task priority and worker performance.
type RoundRobinStrategy struct {
	current int
	mu      sync.Mutex
}

// NewRoundRobinStrategy creates a round-robin strategy.
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

// Name implements Strategy.
func (s *RoundRobinStrategy) Name() string { return StrategyRoundRobin }

// SelectWorker selects the next available worker in cycle order.
func (s *RoundRobinStrategy) SelectWorker(workers []*model.WorkerNode, task *model.Task) (*model.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var available []*model.WorkerNode
	for _, w := range workers {
		if w.Available {
			available = append(available, w)
		}
	}

	if len(available) == 0 {
		return nil, ErrNoAvailableWorkers
	}

	worker := available[s.current%len(available)]
	s.current++

	return worker, nil
}

// ShouldRebalance always reports false: round-robin has no notion of
// imbalance to correct.
func (s *RoundRobinStrategy) ShouldRebalance(workers []*model.WorkerNode) bool {
	return false
}
