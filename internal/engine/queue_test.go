package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/t77yq/parallel-runner/internal/balancer"
	"github.com/t77yq/parallel-runner/internal/model"
)

func TestOrderForStrategy_RoundRobinKeepsSubmissionOrder(t *testing.T) {
	tasks := []*model.Task{
		{ID: "low", Priority: model.TaskPriorityP2},
		{ID: "high", Priority: model.TaskPriorityP0},
	}

	ordered := orderForStrategy(tasks, balancer.StrategyRoundRobin)
	require.Equal(t, "low", ordered[0].ID)
	require.Equal(t, "high", ordered[1].ID)
}

func TestOrderForStrategy_PriorityThenCost(t *testing.T) {
	now := time.Now()
	tasks := []*model.Task{
		{ID: "p2-small", Priority: model.TaskPriorityP2, EstimatedDuration: time.Second, CreatedAt: now},
		{ID: "p0-small", Priority: model.TaskPriorityP0, EstimatedDuration: time.Second, CreatedAt: now},
		{ID: "p0-big", Priority: model.TaskPriorityP0, EstimatedDuration: time.Minute, CreatedAt: now},
		{ID: "p1", Priority: model.TaskPriorityP1, EstimatedDuration: time.Second, CreatedAt: now},
	}

	ordered := orderForStrategy(tasks, balancer.StrategyWeighted)

	ids := make([]string, len(ordered))
	for i, task := range ordered {
		ids[i] = task.ID
	}
	require.Equal(t, []string{"p0-big", "p0-small", "p1", "p2-small"}, ids)
}

func TestOrderForStrategy_TiesBreakOnCreation(t *testing.T) {
	early := time.Now()
	late := early.Add(time.Minute)
	tasks := []*model.Task{
		{ID: "late", Priority: model.TaskPriorityP1, EstimatedDuration: time.Second, CreatedAt: late},
		{ID: "early", Priority: model.TaskPriorityP1, EstimatedDuration: time.Second, CreatedAt: early},
	}

	ordered := orderForStrategy(tasks, balancer.StrategyDynamic)
	require.Equal(t, "early", ordered[0].ID)
	require.Equal(t, "late", ordered[1].ID)
}

func TestOrderForStrategy_DoesNotMutateInput(t *testing.T) {
	tasks := []*model.Task{
		{ID: "b", Priority: model.TaskPriorityP2},
		{ID: "a", Priority: model.TaskPriorityP0},
	}

	_ = orderForStrategy(tasks, balancer.StrategyWeighted)
	require.Equal(t, "b", tasks[0].ID)
}
