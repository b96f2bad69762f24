package balancer

import (
	"math"

	"github.com/t77yq/parallel-runner/internal/model"
)

// loadDispersionThreshold is the population standard deviation of per-worker
// load ratios above which load is considered skewed.
const loadDispersionThreshold = 0.3

// WeightedStrategy scores each available worker by capacity headroom and
// observed performance, boosting P0 tasks toward the fastest workers.
type WeightedStrategy struct{}

// NewWeightedStrategy creates a weighted strategy.
func NewWeightedStrategy() *WeightedStrategy {
	return &WeightedStrategy{}
}

// Name implements Strategy.
func (s *WeightedStrategy) Name() string { return StrategyWeighted }

// SelectWorker picks the available worker with the maximum weight, where
// weight = headroom * (successRate / avgTaskTime), doubled for P0 tasks. A
// worker with no completion history counts as averaging one second.
func (s *WeightedStrategy) SelectWorker(workers []*model.WorkerNode, task *model.Task) (*model.WorkerNode, error) {
	var selected *model.WorkerNode
	bestWeight := -1.0

	for _, w := range workers {
		if !w.Available {
			continue
		}

		avg := w.AvgTaskTime.Seconds()
		if avg == 0 {
			avg = 1
		}

		performance := w.SuccessRate / avg
		if task.Priority == model.TaskPriorityP0 {
			performance *= 2
		}

		weight := w.Headroom() * performance
		if weight > bestWeight {
			bestWeight = weight
			selected = w
		}
	}

	if selected == nil {
		return nil, ErrNoAvailableWorkers
	}

	return selected, nil
}

// ShouldRebalance reports true when the population standard deviation of
// per-worker load ratios exceeds the dispersion threshold.
func (s *WeightedStrategy) ShouldRebalance(workers []*model.WorkerNode) bool {
	if len(workers) < 2 {
		return false
	}

	var sum float64
	for _, w := range workers {
		sum += w.LoadRatio()
	}
	mean := sum / float64(len(workers))

	var variance float64
	for _, w := range workers {
		d := w.LoadRatio() - mean
		variance += d * d
	}
	variance /= float64(len(workers))

	return math.Sqrt(variance) > loadDispersionThreshold
}
