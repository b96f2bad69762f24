package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/balancer"
	"github.com/t77yq/parallel-runner/internal/event"
	"github.com/t77yq/parallel-runner/internal/isolation"
	"github.com/t77yq/parallel-runner/internal/model"
	"github.com/t77yq/parallel-runner/internal/storage"
)

// watchInterval is how often the coordinator re-checks for queue drains and
// deadlock while no events arrive.
const watchInterval = 100 * time.Millisecond

// Executor is the top-level entry point: it provisions the worker pool for a
// batch, feeds the task queue through the load balancer, routes worker events
// into the isolation layer, detects completion or deadlock, and aggregates
// results. All per-batch registries live in a fresh run context; nothing
// survives between batches.
type Executor struct {
	logger  *zap.Logger
	bus     event.Bus
	opts    Options
	handler TaskHandler
	history storage.ResultStore

	mu      sync.Mutex
	running bool
	cur     *run
}

// Snapshot returns the worker pool state of the run in progress, or nil when
// idle. Satisfies monitor.PoolSnapshotter.
func (e *Executor) Snapshot() []model.WorkerNode {
	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.bal.Snapshot()
}

// ExecOption customizes an Executor.
type ExecOption func(*Executor)

// WithResultStore persists each successful run's aggregate to the store.
func WithResultStore(store storage.ResultStore) ExecOption {
	return func(e *Executor) { e.history = store }
}

// New creates an executor. A nil bus falls back to an in-process event bus.
func New(handler TaskHandler, opts Options, bus event.Bus, logger *zap.Logger, execOpts ...ExecOption) (*Executor, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	opts = opts.normalized()
	if _, err := balancer.ForName(opts.Strategy); err != nil {
		return nil, fmt.Errorf("strategy %q: %w", opts.Strategy, err)
	}

	if bus == nil {
		bus = event.NewLocalBus()
	}

	e := &Executor{
		logger:  logger.Named("executor"),
		bus:     bus,
		opts:    opts,
		handler: handler,
	}
	for _, opt := range execOpts {
		opt(e)
	}
	return e, nil
}

// run owns every live registry of one batch: worker runtimes, in-flight set,
// retry timers, results map. It is mutated only from the coordinator's single
// event-processing path.
type run struct {
	id  string
	e   *Executor
	ctx context.Context

	bal     *balancer.Balancer
	iso     *isolation.Manager
	deps    *depGate
	workers map[int]*worker

	events  chan workerEvent
	control chan controlMsg
	closed  chan struct{}

	results     map[string]*model.TaskResult
	inflight    map[string]int
	retryTimers map[string]*time.Timer
	total       int
}

type controlMsg struct {
	requeue   *model.Task
	recovered int
}

// Run executes one batch to completion and returns exactly one TaskResult
// per submitted task id. Deadlock and global timeout abort with an error and
// no partial map; callers needing partials must snapshot the event stream.
func (e *Executor) Run(ctx context.Context, tasks []*model.Task) (map[string]*model.TaskResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.cur = nil
		e.mu.Unlock()
	}()

	if len(tasks) == 0 {
		return map[string]*model.TaskResult{}, nil
	}

	runID := uuid.New().String()

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if seen[task.ID] {
			return nil, fmt.Errorf("task %s: duplicate id", task.ID)
		}
		seen[task.ID] = true

		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now()
		}
		if task.MaxRetries <= 0 {
			task.MaxRetries = e.opts.Retries
		}
		task.Retries = task.MaxRetries
	}

	deps, err := newDepGate(tasks)
	if err != nil {
		e.bus.Publish(event.ExecutionError{RunID: runID, Message: err.Error()})
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	strategy, _ := balancer.ForName(e.opts.Strategy)
	bal := balancer.New(strategy, e.bus, 0, e.logger)

	r := &run{
		id:          runID,
		e:           e,
		ctx:         runCtx,
		bal:         bal,
		deps:        deps,
		workers:     make(map[int]*worker, e.opts.MaxWorkers),
		events:      make(chan workerEvent, e.opts.MaxWorkers*2),
		control:     make(chan controlMsg, len(tasks)+e.opts.MaxWorkers),
		closed:      make(chan struct{}),
		results:     make(map[string]*model.TaskResult, len(tasks)),
		inflight:    make(map[string]int),
		retryTimers: make(map[string]*time.Timer),
		total:       len(tasks),
	}

	r.iso = isolation.NewManager(e.opts.Isolation, e.bus, e.logger,
		isolation.WithRecoverHook(func(workerID int) {
			select {
			case r.control <- controlMsg{recovered: workerID}:
			case <-r.closed:
			}
		}))
	bal.SetHealthGate(r.iso.IsHealthy)

	e.mu.Lock()
	e.cur = r
	e.mu.Unlock()

	defer r.teardown(cancel)

	// Provision the pool and wait for the startup handshake.
	ready := make(chan int, e.opts.MaxWorkers)
	for i := 0; i < e.opts.MaxWorkers; i++ {
		bal.RegisterWorker(i, e.opts.MaxLoad)
		w := newWorker(i, e.handler, e.opts.TaskTimeout, r.events, ready, e.bus, e.logger)
		r.workers[i] = w
		w.start(runCtx)
	}

	readyDeadline := time.NewTimer(e.opts.ReadyTimeout)
	defer readyDeadline.Stop()
	for i := 0; i < e.opts.MaxWorkers; i++ {
		select {
		case id := <-ready:
			e.bus.Publish(event.WorkerReady{WorkerID: id})
		case <-readyDeadline.C:
			e.bus.Publish(event.ExecutionError{RunID: runID, Message: ErrWorkersNotReady.Error()})
			return nil, ErrWorkersNotReady
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.bus.Publish(event.ExecutionStarted{
		RunID:     runID,
		TaskCount: len(tasks),
		Workers:   e.opts.MaxWorkers,
		Strategy:  e.opts.Strategy,
		At:        time.Now(),
	})
	e.logger.Info("Execution started",
		zap.String("run_id", runID),
		zap.Int("tasks", len(tasks)),
		zap.Int("workers", e.opts.MaxWorkers),
		zap.String("strategy", e.opts.Strategy))

	started := time.Now()

	// Prime the pool in the strategy's preferred order; misses queue inside
	// the balancer.
	for _, task := range deps.eligible(orderForStrategy(tasks, e.opts.Strategy)) {
		r.assign(task)
	}

	globalTimer := time.NewTimer(e.opts.globalTimeoutFor(len(tasks)))
	defer globalTimer.Stop()
	rebalanceTicker := time.NewTicker(e.opts.RebalanceInterval)
	defer rebalanceTicker.Stop()
	watchTicker := time.NewTicker(watchInterval)
	defer watchTicker.Stop()

	if err := r.checkDeadlock(); err != nil {
		e.bus.Publish(event.ExecutionError{RunID: runID, Message: err.Error()})
		return nil, err
	}

	for len(r.results) < r.total {
		select {
		case <-ctx.Done():
			e.bus.Publish(event.ExecutionError{RunID: runID, Message: ctx.Err().Error()})
			return nil, ctx.Err()

		case ev := <-r.events:
			if ev.terr == nil {
				r.onComplete(ev)
			} else {
				r.onError(ev)
			}

		case msg := <-r.control:
			if msg.requeue != nil {
				delete(r.retryTimers, msg.requeue.ID)
				r.bal.QueueFront(msg.requeue)
			}
			r.dispatchAll(r.bal.Drain())

		case <-rebalanceTicker.C:
			r.bal.Rebalance()

		case <-watchTicker.C:
			r.dispatchAll(r.bal.Drain())
			if err := r.checkDeadlock(); err != nil {
				e.bus.Publish(event.ExecutionError{RunID: runID, Message: err.Error()})
				return nil, err
			}

		case <-globalTimer.C:
			e.bus.Publish(event.ExecutionError{RunID: runID, Message: ErrExecutionTimeout.Error()})
			return nil, ErrExecutionTimeout
		}
	}

	duration := time.Since(started)
	var passed, failed, skipped int
	for _, result := range r.results {
		switch result.Status {
		case model.ResultPassed:
			passed++
		case model.ResultFailed:
			failed++
		case model.ResultSkipped:
			skipped++
		}
	}

	e.bus.Publish(event.ExecutionCompleted{
		RunID:    runID,
		Passed:   passed,
		Failed:   failed,
		Skipped:  skipped,
		Duration: duration,
	})
	e.logger.Info("Execution completed",
		zap.String("run_id", runID),
		zap.Int("passed", passed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Duration("duration", duration))

	if e.history != nil {
		if err := e.history.StoreRun(ctx, runID, r.results); err != nil {
			e.logger.Error("Failed to persist run history",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}

	out := make(map[string]*model.TaskResult, len(r.results))
	for id, result := range r.results {
		out[id] = result
	}
	return out, nil
}

// assign offers one task to the balancer and dispatches on a hit.
func (r *run) assign(task *model.Task) {
	if workerID, ok := r.bal.Assign(task); ok {
		r.dispatch(task, workerID)
	}
}

func (r *run) dispatchAll(assignments []balancer.Assignment) {
	for _, a := range assignments {
		r.dispatch(a.Task, a.WorkerID)
	}
}

func (r *run) dispatch(task *model.Task, workerID int) {
	r.iso.RecordAssignment(workerID)
	r.inflight[task.ID] = workerID
	r.workers[workerID].dispatch(task)
}

// onComplete handles a passed terminal event.
func (r *run) onComplete(ev workerEvent) {
	delete(r.inflight, ev.task.ID)
	drained := r.bal.OnTaskCompleted(ev.task.ID, ev.duration, true)
	r.finalize(ev.result)
	r.dispatchAll(drained)
}

// onError classifies the failure, executes the selected recovery action, and
// either requeues the task after backoff or finalizes it.
func (r *run) onError(ev workerEvent) {
	delete(r.inflight, ev.task.ID)
	drained := r.bal.OnTaskCompleted(ev.task.ID, ev.duration, false)

	decision := r.iso.HandleError(ev.terr)
	r.e.bus.Publish(event.TaskErrored{Error: decision.Error, Action: decision.Strategy.Action})

	action := decision.Strategy.Action
	if !r.e.opts.ErrorIsolation &&
		(action == model.RecoveryIsolate || action == model.RecoveryRestart) {
		action = model.RecoveryRetry
	}

	switch action {
	case model.RecoveryRetry:
		r.retryOrFail(ev, decision.Strategy)

	case model.RecoveryRestart:
		r.restartWorker(ev.workerID)
		r.retryOrFail(ev, decision.Strategy)

	case model.RecoveryIsolate:
		if !decision.Isolated {
			r.iso.Isolate(ev.workerID, string(decision.Error.Type))
		}
		r.retryOrFail(ev, decision.Strategy)

	case model.RecoverySkip:
		r.finalize(r.terminalResult(ev, model.ResultSkipped))
	}

	r.dispatchAll(drained)
}

// retryOrFail schedules a delayed front-of-queue requeue while retry budget
// remains, consuming one unit; otherwise the task fails terminally. The
// backoff is a timed suspension that occupies no worker slot.
func (r *run) retryOrFail(ev workerEvent, strategy model.RecoveryStrategy) {
	task := ev.task
	if task.Retries <= 0 {
		r.finalize(r.terminalResult(ev, model.ResultFailed))
		return
	}
	task.Retries--

	r.retryTimers[task.ID] = time.AfterFunc(strategy.Backoff, func() {
		select {
		case r.control <- controlMsg{requeue: task}:
		case <-r.closed:
		}
	})
}

// terminalResult builds the final record for a failed or skipped task,
// reusing the handler's failed result when one was captured.
func (r *run) terminalResult(ev workerEvent, status model.ResultStatus) *model.TaskResult {
	result := ev.result
	if result == nil {
		result = &model.TaskResult{
			TaskID:  ev.task.ID,
			SuiteID: ev.task.SuiteID,
		}
	}
	result.Status = status
	result.Error = ev.terr
	result.WorkerID = ev.workerID
	result.Duration = ev.duration
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	return result
}

// finalize stores one terminal result and cascades through the dependency
// gate: released tasks are offered to the balancer, condemned dependents are
// skipped in turn.
func (r *run) finalize(result *model.TaskResult) {
	worklist := []*model.TaskResult{result}
	for len(worklist) > 0 {
		res := worklist[0]
		worklist = worklist[1:]

		if _, dup := r.results[res.TaskID]; dup {
			continue
		}
		r.results[res.TaskID] = res
		r.e.bus.Publish(event.TaskCompleted{Result: res})

		released, skipped := r.deps.complete(res.TaskID, res.Status)
		for _, task := range skipped {
			worklist = append(worklist, &model.TaskResult{
				TaskID:  task.ID,
				SuiteID: task.SuiteID,
				Status:  model.ResultSkipped,
				Error: &model.TestError{
					Message:   fmt.Sprintf("skipped: dependency of task %s did not pass", task.ID),
					Type:      model.ErrorTypeSetup,
					Severity:  model.SeverityLow,
					TaskID:    task.ID,
					Timestamp: time.Now(),
				},
				CompletedAt: time.Now(),
			})
		}
		for _, task := range released {
			r.assign(task)
		}
	}
}

// restartWorker tears the slot down gracefully and brings up a fresh runtime
// on the same inbox, so tasks already parked there are never lost.
func (r *run) restartWorker(id int) {
	old, ok := r.workers[id]
	if !ok {
		return
	}
	old.stop()

	replacement := newWorker(id, r.e.handler, r.e.opts.TaskTimeout, r.events, nil, r.e.bus, r.e.logger.Named("restarted"))
	replacement.inbox = old.inbox
	r.workers[id] = replacement
	replacement.start(r.ctx)

	r.iso.MarkRestarted(id)
	r.e.bus.Publish(event.WorkerRestarted{WorkerID: id})
	r.e.logger.Info("Worker slot restarted", zap.Int("worker_id", id))
}

// checkDeadlock reports total capacity loss: work remains, nothing is in
// flight, no retry is pending, and no worker can accept an assignment.
func (r *run) checkDeadlock() error {
	if len(r.inflight) > 0 || len(r.retryTimers) > 0 {
		return nil
	}
	if r.bal.PendingCount() > 0 && !r.bal.HasAssignableWorker() {
		return ErrDeadlock
	}
	if r.bal.PendingCount() == 0 && r.deps.pendingBlocked() > 0 && len(r.results)+r.deps.pendingBlocked() >= r.total {
		return ErrDeadlock
	}
	return nil
}

// teardown cancels pending timers, quiesces the isolation layer, stops every
// worker runtime, and clears the balancer registries.
func (r *run) teardown(cancel context.CancelFunc) {
	close(r.closed)
	for id, timer := range r.retryTimers {
		timer.Stop()
		delete(r.retryTimers, id)
	}
	r.iso.Close()
	for _, w := range r.workers {
		w.stop()
	}
	cancel()
	r.bal.Reset()
}

// RunBatch is a convenience wrapper: build an executor for the handler and
// options, run one batch, return the aggregate.
func RunBatch(ctx context.Context, tasks []*model.Task, handler TaskHandler, opts Options, bus event.Bus, logger *zap.Logger) (map[string]*model.TaskResult, error) {
	e, err := New(handler, opts, bus, logger)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, tasks)
}
