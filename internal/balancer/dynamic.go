package balancer

import (
	"sync"
	"time"

	"github.com/t77yq/parallel-runner/internal/model"
)

const (
	// dynamicHistorySize bounds the trailing completion-time window kept per
	// worker.
	dynamicHistorySize = 10

	// dynamicActiveWindow is how recently a worker must have completed a task
	// to count toward the rebalance decision.
	dynamicActiveWindow = 30 * time.Second

	// defaultVolatilityThreshold is the absolute spread between the busiest
	// and calmest active worker's trailing averages above which load is
	// considered imbalanced.
	defaultVolatilityThreshold = 2 * time.Second
)

type completionSample struct {
	duration time.Duration
	at       time.Time
}

// DynamicStrategy predicts per-worker completion time for a candidate task
// from a bounded trailing history of observed completions and selects the
// worker with the lowest prediction.
type DynamicStrategy struct {
	mu         sync.Mutex
	history    map[int][]completionSample
	volatility time.Duration
}

// NewDynamicStrategy creates a dynamic strategy with the default volatility
// threshold.
func NewDynamicStrategy() *DynamicStrategy {
	return &DynamicStrategy{
		history:    make(map[int][]completionSample),
		volatility: defaultVolatilityThreshold,
	}
}

// Name implements Strategy.
func (s *DynamicStrategy) Name() string { return StrategyDynamic }

// ObserveCompletion records one completion time for a worker, keeping only
// the trailing window.
func (s *DynamicStrategy) ObserveCompletion(workerID int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := append(s.history[workerID], completionSample{duration: duration, at: time.Now()})
	if len(samples) > dynamicHistorySize {
		samples = samples[len(samples)-dynamicHistorySize:]
	}
	s.history[workerID] = samples
}

// SelectWorker picks the available worker with the lowest predicted
// completion time for the task.
func (s *DynamicStrategy) SelectWorker(workers []*model.WorkerNode, task *model.Task) (*model.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var selected *model.WorkerNode
	var best time.Duration

	for _, w := range workers {
		if !w.Available {
			continue
		}

		predicted := s.predict(w, task)
		if selected == nil || predicted < best {
			best = predicted
			selected = w
		}
	}

	if selected == nil {
		return nil, ErrNoAvailableWorkers
	}

	return selected, nil
}

// predict estimates completion time as smoothed history plus the linear trend
// across the kept window plus the load-scaled task estimate. With no history
// it falls back to the worker's average task time plus the estimate.
func (s *DynamicStrategy) predict(w *model.WorkerNode, task *model.Task) time.Duration {
	samples := s.history[w.ID]
	if len(samples) == 0 {
		return w.AvgTaskTime + task.EstimatedDuration
	}

	var total time.Duration
	for _, sample := range samples {
		total += sample.duration
	}
	smoothed := total / time.Duration(len(samples))

	var trend time.Duration
	if len(samples) > 1 {
		trend = (samples[len(samples)-1].duration - samples[0].duration) / time.Duration(len(samples)-1)
	}

	projected := time.Duration(w.LoadRatio() * float64(task.EstimatedDuration))

	return smoothed + trend + projected
}

// ShouldRebalance considers only workers active within the recent window and
// flags imbalance when the spread between their trailing averages exceeds the
// volatility threshold.
func (s *DynamicStrategy) ShouldRebalance(workers []*model.WorkerNode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-dynamicActiveWindow)

	var minAvg, maxAvg time.Duration
	active := 0

	for _, w := range workers {
		samples := s.history[w.ID]
		if len(samples) == 0 || samples[len(samples)-1].at.Before(cutoff) {
			continue
		}

		var total time.Duration
		for _, sample := range samples {
			total += sample.duration
		}
		avg := total / time.Duration(len(samples))

		if active == 0 || avg < minAvg {
			minAvg = avg
		}
		if active == 0 || avg > maxAvg {
			maxAvg = avg
		}
		active++
	}

	if active < 2 {
		return false
	}

	return maxAvg-minAvg > s.volatility
}
