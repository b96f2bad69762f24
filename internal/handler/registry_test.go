package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/t77yq/parallel-runner/internal/engine"
	"github.com/t77yq/parallel-runner/internal/model"
)

func stubHandler(name string) engine.TaskHandler {
	return engine.TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{
			TaskID: task.ID,
			Status: model.ResultPassed,
			Output: name,
		}, nil
	})
}

func TestRegistry_RoutesBySuite(t *testing.T) {
	r := NewRegistry()
	r.Register("unit", stubHandler("unit"))
	r.Register("e2e", stubHandler("e2e"))

	result, err := r.Execute(context.Background(), &model.Task{ID: "t1", SuiteID: "e2e"})
	require.NoError(t, err)
	require.Equal(t, "e2e", result.Output)
}

func TestRegistry_Fallback(t *testing.T) {
	r := NewRegistry()
	r.Register("unit", stubHandler("unit"))
	r.SetFallback(stubHandler("fallback"))

	result, err := r.Execute(context.Background(), &model.Task{ID: "t1", SuiteID: "unknown"})
	require.NoError(t, err)
	require.Equal(t, "fallback", result.Output)
}

func TestRegistry_NoHandler(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), &model.Task{ID: "t1", SuiteID: "unknown"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no handler")
}

func TestRegistry_ReplaceBinding(t *testing.T) {
	r := NewRegistry()
	r.Register("unit", stubHandler("old"))
	r.Register("unit", stubHandler("new"))

	result, err := r.Execute(context.Background(), &model.Task{ID: "t1", SuiteID: "unit"})
	require.NoError(t, err)
	require.Equal(t, "new", result.Output)
}
