package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/event"
	"github.com/t77yq/parallel-runner/internal/model"
)

// TaskHandler is the opaque unit of business logic the runtime invokes, one
// call per task. Implementations surface failures as a returned error, a
// failed TaskResult, or a panic; never as a silently swallowed result.
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// TaskHandlerFunc adapts a function to the TaskHandler interface.
type TaskHandlerFunc func(ctx context.Context, task *model.Task) (*model.TaskResult, error)

// Execute implements TaskHandler.
func (f TaskHandlerFunc) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	return f(ctx, task)
}

const workerInboxSize = 1024

// workerEvent is the single terminal signal a worker emits per dispatched
// task. Exactly one of result/terr describes the outcome; on a handler
// failure both may be set (the failed result carries captured output).
type workerEvent struct {
	workerID int
	task     *model.Task
	result   *model.TaskResult
	terr     *model.TestError
	duration time.Duration
}

// worker is one isolated execution slot. It executes one task at a time from
// its inbox and never carries state between tasks.
type worker struct {
	id      int
	handler TaskHandler
	timeout time.Duration
	logger  *zap.Logger
	bus     event.Bus

	inbox  chan *model.Task
	events chan<- workerEvent
	ready  chan<- int

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newWorker(id int, handler TaskHandler, timeout time.Duration, events chan<- workerEvent, ready chan<- int, bus event.Bus, logger *zap.Logger) *worker {
	return &worker{
		id:      id,
		handler: handler,
		timeout: timeout,
		logger:  logger.Named(fmt.Sprintf("worker-%d", id)),
		bus:     bus,
		inbox:   make(chan *model.Task, workerInboxSize),
		events:  events,
		ready:   ready,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start launches the run loop.
func (w *worker) start(ctx context.Context) {
	go w.run(ctx)
}

// dispatch hands a task to the worker. The inbox is sized far beyond any
// realistic load ceiling; a full inbox indicates an accounting bug upstream.
func (w *worker) dispatch(task *model.Task) bool {
	select {
	case w.inbox <- task:
		return true
	default:
		w.logger.Error("Worker inbox full, refusing dispatch",
			zap.String("task_id", task.ID))
		return false
	}
}

// stop tells the worker to exit after its current task. In-flight work is
// not aborted; a graceful stop never loses a terminal event.
func (w *worker) stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	// Restarted runtimes have no ready channel; the handshake only runs at
	// pool startup.
	if w.ready != nil {
		select {
		case w.ready <- w.id:
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		case task := <-w.inbox:
			w.execute(ctx, task)
		}
	}
}

type handlerOutcome struct {
	result   *model.TaskResult
	err      error
	panicked bool
	stack    string
}

// execute runs one task against the handler, racing it with the per-task
// timeout, and emits exactly one terminal event. On shutdown (parent context
// canceled) no terminal event is emitted; the orchestrator owns teardown.
func (w *worker) execute(ctx context.Context, task *model.Task) {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	execCtx = withProgress(execCtx, func(completed, total int) {
		if w.bus != nil {
			w.bus.Publish(event.TaskProgress{
				TaskID:    task.ID,
				WorkerID:  w.id,
				Completed: completed,
				Total:     total,
			})
		}
	})

	outcome := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- handlerOutcome{
					err:      fmt.Errorf("handler panic: %v", r),
					panicked: true,
					stack:    string(debug.Stack()),
				}
			}
		}()
		result, err := w.handler.Execute(execCtx, task)
		outcome <- handlerOutcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return

	case <-execCtx.Done():
		if ctx.Err() != nil {
			return
		}
		w.emitError(task, &model.TestError{
			Message: fmt.Sprintf("task %s timed out after %s", task.ID, w.timeout),
			Type:    model.ErrorTypeTimeout,
		}, nil, time.Since(start))

	case out := <-outcome:
		duration := time.Since(start)
		switch {
		case out.panicked:
			w.emitError(task, &model.TestError{
				Message: out.err.Error(),
				Stack:   out.stack,
				Type:    model.ErrorTypeRuntime,
			}, nil, duration)

		case out.err != nil:
			w.emitError(task, &model.TestError{
				Message: out.err.Error(),
				Type:    model.ErrorTypeRuntime,
			}, nil, duration)

		case out.result != nil && out.result.Status == model.ResultFailed:
			terr := out.result.Error
			if terr == nil {
				terr = &model.TestError{
					Message: "task reported failure without detail",
					Type:    model.ErrorTypeAssertion,
				}
			}
			if terr.Type == "" {
				terr.Type = model.ErrorTypeAssertion
			}
			w.emitError(task, terr, out.result, duration)

		default:
			result := out.result
			if result == nil {
				result = &model.TaskResult{TaskID: task.ID, Status: model.ResultPassed}
			}
			result.TaskID = task.ID
			result.SuiteID = task.SuiteID
			result.WorkerID = w.id
			result.Duration = duration
			if result.CompletedAt.IsZero() {
				result.CompletedAt = time.Now()
			}
			w.events <- workerEvent{
				workerID: w.id,
				task:     task,
				result:   result,
				duration: duration,
			}
		}
	}
}

func (w *worker) emitError(task *model.Task, terr *model.TestError, failed *model.TaskResult, duration time.Duration) {
	terr.WorkerID = w.id
	terr.TaskID = task.ID
	terr.SuiteID = task.SuiteID
	if terr.Timestamp.IsZero() {
		terr.Timestamp = time.Now()
	}
	w.events <- workerEvent{
		workerID: w.id,
		task:     task,
		result:   failed,
		terr:     terr,
		duration: duration,
	}
}
