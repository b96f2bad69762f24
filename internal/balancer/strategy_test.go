package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/t77yq/parallel-runner/internal/model"
)

func testWorkers(n int, maxLoad time.Duration) []*model.WorkerNode {
	workers := make([]*model.WorkerNode, n)
	for i := 0; i < n; i++ {
		workers[i] = &model.WorkerNode{
			ID:          i,
			Available:   true,
			MaxLoad:     maxLoad,
			SuccessRate: 1,
		}
	}
	return workers
}

func TestForName(t *testing.T) {
	for _, name := range []string{StrategyRoundRobin, StrategyWeighted, StrategyDynamic} {
		s, err := ForName(name)
		require.NoError(t, err)
		require.Equal(t, name, s.Name())
	}

	_, err := ForName("fastest-first")
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRoundRobinStrategy_Cycles(t *testing.T) {
	s := NewRoundRobinStrategy()
	workers := testWorkers(3, time.Minute)
	task := &model.Task{ID: "t1", EstimatedDuration: time.Second}

	var picked []int
	for i := 0; i < 6; i++ {
		w, err := s.SelectWorker(workers, task)
		require.NoError(t, err)
		picked = append(picked, w.ID)
	}
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, picked)
}

func TestRoundRobinStrategy_SkipsUnavailable(t *testing.T) {
	s := NewRoundRobinStrategy()
	workers := testWorkers(3, time.Minute)
	workers[1].Available = false
	task := &model.Task{ID: "t1"}

	var picked []int
	for i := 0; i < 4; i++ {
		w, err := s.SelectWorker(workers, task)
		require.NoError(t, err)
		picked = append(picked, w.ID)
	}
	require.Equal(t, []int{0, 2, 0, 2}, picked)
}

func TestRoundRobinStrategy_NoAvailableWorkers(t *testing.T) {
	s := NewRoundRobinStrategy()
	workers := testWorkers(2, time.Minute)
	workers[0].Available = false
	workers[1].Available = false

	_, err := s.SelectWorker(workers, &model.Task{ID: "t1"})
	require.ErrorIs(t, err, ErrNoAvailableWorkers)
}

func TestWeightedStrategy_PrefersHeadroom(t *testing.T) {
	s := NewWeightedStrategy()
	workers := testWorkers(2, time.Minute)
	workers[0].CurrentLoad = 50 * time.Second
	workers[1].CurrentLoad = 5 * time.Second

	w, err := s.SelectWorker(workers, &model.Task{ID: "t1", Priority: model.TaskPriorityP1})
	require.NoError(t, err)
	require.Equal(t, 1, w.ID)
}

func TestWeightedStrategy_PerformanceBreaksTies(t *testing.T) {
	s := NewWeightedStrategy()
	workers := testWorkers(2, time.Minute)

	// Equal headroom, but worker 0 is slower and less reliable.
	workers[0].AvgTaskTime = 10 * time.Second
	workers[0].SuccessRate = 0.5
	workers[1].AvgTaskTime = 2 * time.Second
	workers[1].SuccessRate = 1.0

	w, err := s.SelectWorker(workers, &model.Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, w.ID)
}

func TestWeightedStrategy_ShouldRebalance(t *testing.T) {
	s := NewWeightedStrategy()

	balanced := testWorkers(3, time.Minute)
	for _, w := range balanced {
		w.CurrentLoad = 20 * time.Second
	}
	require.False(t, s.ShouldRebalance(balanced))

	skewed := testWorkers(3, time.Minute)
	skewed[0].CurrentLoad = 55 * time.Second
	require.True(t, s.ShouldRebalance(skewed))

	require.False(t, s.ShouldRebalance(testWorkers(1, time.Minute)))
}

func TestDynamicStrategy_FallsBackWithoutHistory(t *testing.T) {
	s := NewDynamicStrategy()
	workers := testWorkers(2, time.Minute)
	workers[0].AvgTaskTime = 10 * time.Second
	workers[1].AvgTaskTime = time.Second

	w, err := s.SelectWorker(workers, &model.Task{ID: "t1", EstimatedDuration: time.Second})
	require.NoError(t, err)
	require.Equal(t, 1, w.ID)
}

func TestDynamicStrategy_PrefersLowerPrediction(t *testing.T) {
	s := NewDynamicStrategy()
	workers := testWorkers(2, time.Minute)

	for i := 0; i < 5; i++ {
		s.ObserveCompletion(0, 8*time.Second)
		s.ObserveCompletion(1, time.Second)
	}

	w, err := s.SelectWorker(workers, &model.Task{ID: "t1", EstimatedDuration: time.Second})
	require.NoError(t, err)
	require.Equal(t, 1, w.ID)
}

func TestDynamicStrategy_HistoryWindowBounded(t *testing.T) {
	s := NewDynamicStrategy()
	for i := 0; i < dynamicHistorySize*2; i++ {
		s.ObserveCompletion(0, time.Second)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.history[0], dynamicHistorySize)
}

func TestDynamicStrategy_ShouldRebalance(t *testing.T) {
	s := NewDynamicStrategy()
	workers := testWorkers(2, time.Minute)

	// One active worker is never imbalanced.
	s.ObserveCompletion(0, time.Second)
	require.False(t, s.ShouldRebalance(workers))

	// Two active workers with a wide spread are.
	s.ObserveCompletion(1, 10*time.Second)
	require.True(t, s.ShouldRebalance(workers))

	// Narrow spread is fine.
	s2 := NewDynamicStrategy()
	s2.ObserveCompletion(0, time.Second)
	s2.ObserveCompletion(1, time.Second+500*time.Millisecond)
	require.False(t, s2.ShouldRebalance(workers))
}
