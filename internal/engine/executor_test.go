package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/balancer"
	"github.com/t77yq/parallel-runner/internal/event"
	"github.com/t77yq/parallel-runner/internal/isolation"
	"github.com/t77yq/parallel-runner/internal/model"
)

func testOptions() Options {
	return Options{
		MaxWorkers:     2,
		TaskTimeout:    5 * time.Second,
		Retries:        2,
		Strategy:       balancer.StrategyWeighted,
		ErrorIsolation: true,
		MaxLoad:        time.Minute,
	}
}

func passingHandler(delay time.Duration) TaskHandler {
	return TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &model.TaskResult{TaskID: task.ID, Status: model.ResultPassed}, nil
	})
}

func simpleTasks(n int) []*model.Task {
	tasks := make([]*model.Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = &model.Task{
			ID:                fmt.Sprintf("t%d", i),
			SuiteID:           "suite",
			EstimatedDuration: 10 * time.Millisecond,
		}
	}
	return tasks
}

func TestExecutor_NilHandler(t *testing.T) {
	_, err := New(nil, testOptions(), nil, zap.NewNop())
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestExecutor_UnknownStrategy(t *testing.T) {
	opts := testOptions()
	opts.Strategy = "fastest-first"
	_, err := New(passingHandler(0), opts, nil, zap.NewNop())
	require.ErrorIs(t, err, balancer.ErrUnknownStrategy)
}

func TestExecutor_RunAllPass(t *testing.T) {
	bus := event.NewLocalBus()

	var mu sync.Mutex
	var completed []event.TaskCompleted
	var lifecycle []event.Kind
	bus.Subscribe(event.KindTaskComplete, func(ev event.Event) {
		mu.Lock()
		completed = append(completed, ev.(event.TaskCompleted))
		mu.Unlock()
	})
	for _, kind := range []event.Kind{event.KindExecutionStart, event.KindExecutionComplete} {
		kind := kind
		bus.Subscribe(kind, func(ev event.Event) {
			mu.Lock()
			lifecycle = append(lifecycle, kind)
			mu.Unlock()
		})
	}

	e, err := New(passingHandler(10*time.Millisecond), testOptions(), bus, zap.NewNop())
	require.NoError(t, err)

	results, err := e.Run(context.Background(), simpleTasks(5))
	require.NoError(t, err)
	require.Len(t, results, 5)

	for id, result := range results {
		require.Equal(t, id, result.TaskID)
		require.Equal(t, model.ResultPassed, result.Status)
		require.False(t, result.CompletedAt.IsZero())
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 5)
	require.Equal(t, []event.Kind{event.KindExecutionStart, event.KindExecutionComplete}, lifecycle)
}

func TestExecutor_EmptyBatch(t *testing.T) {
	e, err := New(passingHandler(0), testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	results, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestExecutor_DuplicateTaskID(t *testing.T) {
	e, err := New(passingHandler(0), testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	tasks := []*model.Task{{ID: "same"}, {ID: "same"}}
	_, err = e.Run(context.Background(), tasks)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate id")
}

func TestExecutor_RetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}

	handler := TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		mu.Lock()
		attempts[task.ID]++
		n := attempts[task.ID]
		mu.Unlock()

		if n == 1 {
			return nil, fmt.Errorf("request timed out")
		}
		return &model.TaskResult{TaskID: task.ID, Status: model.ResultPassed}, nil
	})

	bus := event.NewLocalBus()
	var errored []event.TaskErrored
	bus.Subscribe(event.KindTaskError, func(ev event.Event) {
		mu.Lock()
		errored = append(errored, ev.(event.TaskErrored))
		mu.Unlock()
	})

	e, err := New(handler, testOptions(), bus, zap.NewNop())
	require.NoError(t, err)

	results, err := e.Run(context.Background(), simpleTasks(1))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, model.ResultPassed, results["t0"].Status)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts["t0"])
	require.Len(t, errored, 1)
	require.Equal(t, model.ErrorTypeTimeout, errored[0].Error.Type)
	require.Equal(t, model.RecoveryRetry, errored[0].Action)
}

func TestExecutor_RetryBudgetExhausted(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handler := TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, fmt.Errorf("request timed out")
	})

	e, err := New(handler, testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	tasks := simpleTasks(1)
	tasks[0].MaxRetries = 1

	results, err := e.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, results["t0"].Status)
	require.NotNil(t, results["t0"].Error)
	require.Equal(t, model.ErrorTypeTimeout, results["t0"].Error.Type)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts)
}

func TestExecutor_AssertionFailureSkips(t *testing.T) {
	handler := TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{
			TaskID: task.ID,
			Status: model.ResultFailed,
			Error:  &model.TestError{Message: "assertion failed: want 1 got 2"},
		}, nil
	})

	bus := event.NewLocalBus()
	var mu sync.Mutex
	var summary event.ExecutionCompleted
	bus.Subscribe(event.KindExecutionComplete, func(ev event.Event) {
		mu.Lock()
		summary = ev.(event.ExecutionCompleted)
		mu.Unlock()
	})

	e, err := New(handler, testOptions(), bus, zap.NewNop())
	require.NoError(t, err)

	results, err := e.Run(context.Background(), simpleTasks(1))
	require.NoError(t, err)
	require.Equal(t, model.ResultSkipped, results["t0"].Status)
	require.Equal(t, model.ErrorTypeAssertion, results["t0"].Error.Type)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 0, summary.Failed)
}

func TestExecutor_DependencyOrderAndCascade(t *testing.T) {
	var mu sync.Mutex
	var order []string
	handler := TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()

		if task.ID == "broken" {
			return &model.TaskResult{
				TaskID: task.ID,
				Status: model.ResultFailed,
				Error:  &model.TestError{Message: "assertion failed"},
			}, nil
		}
		return &model.TaskResult{TaskID: task.ID, Status: model.ResultPassed}, nil
	})

	e, err := New(handler, testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	tasks := []*model.Task{
		{ID: "root", EstimatedDuration: time.Millisecond},
		{ID: "child", Dependencies: []string{"root"}, EstimatedDuration: time.Millisecond},
		{ID: "broken", EstimatedDuration: time.Millisecond},
		{ID: "orphan", Dependencies: []string{"broken"}, EstimatedDuration: time.Millisecond},
		{ID: "grandorphan", Dependencies: []string{"orphan"}, EstimatedDuration: time.Millisecond},
	}

	results, err := e.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 5)

	require.Equal(t, model.ResultPassed, results["root"].Status)
	require.Equal(t, model.ResultPassed, results["child"].Status)
	require.Equal(t, model.ResultSkipped, results["broken"].Status)
	require.Equal(t, model.ResultSkipped, results["orphan"].Status)
	require.Equal(t, model.ResultSkipped, results["grandorphan"].Status)

	// The cascade never executed the condemned dependents.
	mu.Lock()
	defer mu.Unlock()
	require.NotContains(t, order, "orphan")
	require.NotContains(t, order, "grandorphan")

	rootIdx, childIdx := -1, -1
	for i, id := range order {
		if id == "root" {
			rootIdx = i
		}
		if id == "child" {
			childIdx = i
		}
	}
	require.Less(t, rootIdx, childIdx)
}

func TestExecutor_CircularDependency(t *testing.T) {
	e, err := New(passingHandler(0), testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	tasks := []*model.Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	_, err = e.Run(context.Background(), tasks)
	require.ErrorIs(t, err, ErrCircularDependency)
}

func TestExecutor_UnknownDependency(t *testing.T) {
	e, err := New(passingHandler(0), testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	tasks := []*model.Task{{ID: "a", Dependencies: []string{"ghost"}}}
	_, err = e.Run(context.Background(), tasks)
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestExecutor_TaskTimeout(t *testing.T) {
	opts := testOptions()
	opts.TaskTimeout = 50 * time.Millisecond
	opts.Retries = 0

	e, err := New(passingHandler(time.Second), opts, nil, zap.NewNop())
	require.NoError(t, err)

	results, err := e.Run(context.Background(), simpleTasks(1))
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, results["t0"].Status)
	require.Equal(t, model.ErrorTypeTimeout, results["t0"].Error.Type)
}

func TestExecutor_PanicBecomesRuntimeError(t *testing.T) {
	opts := testOptions()
	opts.Retries = 0
	handler := TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		panic("exploded")
	})

	e, err := New(handler, opts, nil, zap.NewNop())
	require.NoError(t, err)

	results, err := e.Run(context.Background(), simpleTasks(1))
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, results["t0"].Status)
	require.Equal(t, model.ErrorTypeRuntime, results["t0"].Error.Type)
	require.NotEmpty(t, results["t0"].Error.Stack)
}

func TestExecutor_GlobalTimeout(t *testing.T) {
	opts := testOptions()
	opts.GlobalTimeout = 100 * time.Millisecond

	e, err := New(passingHandler(time.Minute), opts, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = e.Run(context.Background(), simpleTasks(1))
	require.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestExecutor_ContextCancellation(t *testing.T) {
	e, err := New(passingHandler(time.Minute), testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = e.Run(ctx, simpleTasks(1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_DeadlockWhenAllWorkersIsolated(t *testing.T) {
	opts := testOptions()
	opts.MaxWorkers = 1
	opts.Retries = 0
	opts.MaxLoad = 10 * time.Millisecond
	opts.Isolation = isolation.Policy{
		Enabled:            true,
		MaxErrorsPerWorker: 1,
		MaxErrorRate:       1,
		IsolationDuration:  time.Minute,
		TimeWindow:         time.Minute,
		AutoRestart:        false,
		MaxHistory:         100,
	}

	handler := TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		return nil, fmt.Errorf("setup failed: fixture broken")
	})

	e, err := New(handler, opts, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = e.Run(context.Background(), simpleTasks(3))
	require.ErrorIs(t, err, ErrDeadlock)
}

func TestExecutor_RunInProgress(t *testing.T) {
	e, err := New(passingHandler(300*time.Millisecond), testOptions(), nil, zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, runErr := e.Run(context.Background(), simpleTasks(2))
		require.NoError(t, runErr)
	}()

	time.Sleep(100 * time.Millisecond)
	_, err = e.Run(context.Background(), simpleTasks(1))
	require.ErrorIs(t, err, ErrRunInProgress)
	<-done
}

func TestExecutor_RoundRobinSpreadsWork(t *testing.T) {
	opts := testOptions()
	opts.Strategy = balancer.StrategyRoundRobin

	e, err := New(passingHandler(20*time.Millisecond), opts, nil, zap.NewNop())
	require.NoError(t, err)

	results, err := e.Run(context.Background(), simpleTasks(6))
	require.NoError(t, err)

	workers := map[int]int{}
	for _, result := range results {
		workers[result.WorkerID]++
	}
	require.Len(t, workers, 2)
}

func TestExecutor_ProgressEvents(t *testing.T) {
	bus := event.NewLocalBus()

	var mu sync.Mutex
	var progress []event.TaskProgress
	bus.Subscribe(event.KindTaskProgress, func(ev event.Event) {
		mu.Lock()
		progress = append(progress, ev.(event.TaskProgress))
		mu.Unlock()
	})

	handler := TaskHandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		ReportProgress(ctx, 1, 2)
		ReportProgress(ctx, 2, 2)
		return &model.TaskResult{TaskID: task.ID, Status: model.ResultPassed}, nil
	})

	e, err := New(handler, testOptions(), bus, zap.NewNop())
	require.NoError(t, err)

	_, err = e.Run(context.Background(), simpleTasks(1))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 2)
	require.Equal(t, 2, progress[1].Completed)
	require.Equal(t, 2, progress[1].Total)
}

func TestExecutor_RunBatch(t *testing.T) {
	results, err := RunBatch(context.Background(), simpleTasks(2), passingHandler(time.Millisecond), testOptions(), nil, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, results, 2)
}
