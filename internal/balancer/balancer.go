package balancer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/event"
	"github.com/t77yq/parallel-runner/internal/model"
)

const (
	// overloadThreshold marks a worker as overloaded during rebalancing.
	overloadThreshold = 0.8

	// underloadThreshold marks a worker as a migration target.
	underloadThreshold = 0.3

	// migrationSlice is the fraction of an overloaded worker's current load
	// moved per rebalance cycle.
	migrationSlice = 0.2
)

// Assignment pairs a task with the worker it was handed to.
type Assignment struct {
	Task     *model.Task
	WorkerID int
}

type assignmentRecord struct {
	workerID  int
	estimated time.Duration
	at        time.Time
}

// HealthGate reports whether a worker is eligible for new assignments. The
// isolation layer plugs in here so quarantined workers are never offered to
// the strategy.
type HealthGate func(workerID int) bool

// Balancer owns the live registry of worker states and the pending-task
// queue. Tasks transition between queued, assigned and completed only through
// its entry points; no other component writes worker counters.
type Balancer struct {
	logger   *zap.Logger
	bus      event.Bus
	strategy Strategy
	gate     HealthGate

	mu          sync.Mutex
	workers     map[int]*model.WorkerNode
	order       []int
	assignments map[string]assignmentRecord
	pending     []*model.Task

	totalAssigned  int
	totalCompleted int
	totalTurnround time.Duration

	rebalanceEvery time.Duration
	stop           chan struct{}
	stopOnce       sync.Once
}

// New creates a load balancer using the given strategy. A zero
// rebalanceEvery disables the periodic rebalance loop.
func New(strategy Strategy, bus event.Bus, rebalanceEvery time.Duration, logger *zap.Logger) *Balancer {
	return &Balancer{
		logger:         logger.Named("load-balancer"),
		bus:            bus,
		strategy:       strategy,
		workers:        make(map[int]*model.WorkerNode),
		assignments:    make(map[string]assignmentRecord),
		rebalanceEvery: rebalanceEvery,
		stop:           make(chan struct{}),
	}
}

// SetHealthGate installs the worker eligibility check. Must be called before
// Start.
func (b *Balancer) SetHealthGate(gate HealthGate) {
	b.gate = gate
}

// Start starts the periodic rebalance loop.
func (b *Balancer) Start(ctx context.Context) {
	if b.rebalanceEvery <= 0 {
		return
	}
	go b.rebalanceLoop(ctx)
}

// Stop stops the rebalance loop.
func (b *Balancer) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// RegisterWorker adds a worker with zero load and history. Re-registering an
// id resets its state.
func (b *Balancer) RegisterWorker(id int, maxLoad time.Duration) {
	b.mu.Lock()
	if _, exists := b.workers[id]; !exists {
		b.order = append(b.order, id)
	}
	b.workers[id] = &model.WorkerNode{
		ID:          id,
		Available:   true,
		MaxLoad:     maxLoad,
		SuccessRate: 1,
	}
	b.mu.Unlock()

	b.logger.Info("Worker registered",
		zap.Int("worker_id", id),
		zap.Duration("max_load", maxLoad))

	b.publish(event.WorkerRegistered{WorkerID: id, MaxLoad: maxLoad})
}

// Assign delegates worker selection to the strategy. On a hit the chosen
// worker's load is bumped and the assignment recorded; on a miss the task is
// appended to the tail of the pending queue.
func (b *Balancer) Assign(task *model.Task) (int, bool) {
	b.mu.Lock()
	workerID, ok := b.assignLocked(task)
	queueLen := len(b.pending)
	b.mu.Unlock()

	if !ok {
		b.publish(event.TaskQueued{TaskID: task.ID, QueueLength: queueLen})
		return 0, false
	}

	b.publish(event.TaskAssigned{
		TaskID:            task.ID,
		WorkerID:          workerID,
		Priority:          task.Priority,
		EstimatedDuration: task.EstimatedDuration,
	})
	return workerID, true
}

// assignLocked performs one selection attempt, queueing the task on a miss.
func (b *Balancer) assignLocked(task *model.Task) (int, bool) {
	worker, err := b.strategy.SelectWorker(b.selectableLocked(), task)
	if err != nil {
		b.pending = append(b.pending, task)
		return 0, false
	}

	worker.CurrentLoad += task.EstimatedDuration
	if worker.CurrentLoad >= worker.MaxLoad {
		worker.Available = false
	}

	b.assignments[task.ID] = assignmentRecord{
		workerID:  worker.ID,
		estimated: task.EstimatedDuration,
		at:        time.Now(),
	}
	b.totalAssigned++

	b.logger.Debug("Task assigned",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", worker.ID),
		zap.Duration("load", worker.CurrentLoad))

	return worker.ID, true
}

// selectableLocked returns the registration-ordered snapshot offered to the
// strategy, excluding workers the health gate rejects.
func (b *Balancer) selectableLocked() []*model.WorkerNode {
	selectable := make([]*model.WorkerNode, 0, len(b.order))
	for _, id := range b.order {
		if b.gate != nil && !b.gate(id) {
			continue
		}
		selectable = append(selectable, b.workers[id])
	}
	return selectable
}

// OnTaskCompleted clears the assignment record, releases the recorded load
// (wall-clock duration feeds the performance stats instead, so the load books
// stay conserved), and drains the pending queue in FIFO order. The returned
// assignments must be dispatched by the caller.
func (b *Balancer) OnTaskCompleted(taskID string, duration time.Duration, success bool) []Assignment {
	b.mu.Lock()

	record, ok := b.assignments[taskID]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("Completion for unknown assignment", zap.String("task_id", taskID))
		return nil
	}
	delete(b.assignments, taskID)

	worker := b.workers[record.workerID]
	worker.CurrentLoad -= record.estimated
	if worker.CurrentLoad < 0 {
		worker.CurrentLoad = 0
	}
	worker.Available = worker.CurrentLoad < worker.MaxLoad

	worker.TasksCompleted++
	worker.TotalDuration += duration
	if !success {
		worker.Errors++
	}
	worker.AvgTaskTime = worker.TotalDuration / time.Duration(worker.TasksCompleted)
	worker.SuccessRate = 1 - float64(worker.Errors)/float64(worker.TasksCompleted)
	worker.LastTaskAt = time.Now()

	b.totalCompleted++
	b.totalTurnround += time.Since(record.at)

	if observer, ok := b.strategy.(CompletionObserver); ok {
		observer.ObserveCompletion(record.workerID, duration)
	}

	drained := b.drainLocked()
	b.mu.Unlock()

	for _, a := range drained {
		b.publish(event.TaskAssigned{
			TaskID:            a.Task.ID,
			WorkerID:          a.WorkerID,
			Priority:          a.Task.Priority,
			EstimatedDuration: a.Task.EstimatedDuration,
		})
	}
	return drained
}

// drainLocked re-invokes assignment for queued tasks in FIFO order until the
// queue empties or no worker is selectable.
func (b *Balancer) drainLocked() []Assignment {
	var out []Assignment
	for len(b.pending) > 0 {
		task := b.pending[0]
		worker, err := b.strategy.SelectWorker(b.selectableLocked(), task)
		if err != nil {
			break
		}

		b.pending = b.pending[1:]
		worker.CurrentLoad += task.EstimatedDuration
		if worker.CurrentLoad >= worker.MaxLoad {
			worker.Available = false
		}
		b.assignments[task.ID] = assignmentRecord{
			workerID:  worker.ID,
			estimated: task.EstimatedDuration,
			at:        time.Now(),
		}
		b.totalAssigned++

		out = append(out, Assignment{Task: task, WorkerID: worker.ID})
	}
	return out
}

// Drain attempts to hand out queued tasks, e.g. after a worker recovers from
// isolation. The returned assignments must be dispatched by the caller.
func (b *Balancer) Drain() []Assignment {
	b.mu.Lock()
	drained := b.drainLocked()
	b.mu.Unlock()

	for _, a := range drained {
		b.publish(event.TaskAssigned{
			TaskID:            a.Task.ID,
			WorkerID:          a.WorkerID,
			Priority:          a.Task.Priority,
			EstimatedDuration: a.Task.EstimatedDuration,
		})
	}
	return drained
}

// QueueFront inserts a task at the head of the pending queue so retries are
// reassigned before untouched queued work.
func (b *Balancer) QueueFront(task *model.Task) {
	b.mu.Lock()
	b.pending = append([]*model.Task{task}, b.pending...)
	queueLen := len(b.pending)
	b.mu.Unlock()

	b.publish(event.TaskQueued{TaskID: task.ID, QueueLength: queueLen})
}

// Rebalance performs one bookkeeping-level load migration cycle if the
// strategy reports skew. In-flight tasks are never relocated; only tracked
// load counters move.
func (b *Balancer) Rebalance() []event.LoadMigration {
	b.mu.Lock()

	snapshot := make([]*model.WorkerNode, 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.workers[id])
	}

	if !b.strategy.ShouldRebalance(snapshot) {
		b.mu.Unlock()
		return nil
	}

	var migrations []event.LoadMigration
	for _, over := range snapshot {
		if over.LoadRatio() < overloadThreshold {
			continue
		}

		slice := time.Duration(migrationSlice * float64(over.CurrentLoad))
		if slice <= 0 {
			continue
		}

		for _, under := range snapshot {
			if under.ID == over.ID || under.LoadRatio() > underloadThreshold {
				continue
			}
			if under.CurrentLoad+slice >= under.MaxLoad {
				continue
			}

			over.CurrentLoad -= slice
			under.CurrentLoad += slice
			over.Available = over.CurrentLoad < over.MaxLoad
			under.Available = under.CurrentLoad < under.MaxLoad

			migrations = append(migrations, event.LoadMigration{
				FromWorkerID: over.ID,
				ToWorkerID:   under.ID,
				Moved:        slice,
			})
			break
		}
	}
	b.mu.Unlock()

	if len(migrations) > 0 {
		b.logger.Info("Rebalanced worker load", zap.Int("migrations", len(migrations)))
		b.publish(event.RebalanceCompleted{Migrations: migrations})
	}
	return migrations
}

// Snapshot returns a copy of every worker's current state in registration
// order.
func (b *Balancer) Snapshot() []model.WorkerNode {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.WorkerNode, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.workers[id])
	}
	return out
}

// Worker returns a copy of one worker's state.
func (b *Balancer) Worker(id int) (model.WorkerNode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[id]
	if !ok {
		return model.WorkerNode{}, ErrWorkerNotFound
	}
	return *w, nil
}

// PendingCount returns the pending queue length.
func (b *Balancer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PendingTasks returns the queued tasks in order.
func (b *Balancer) PendingTasks() []*model.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.Task, len(b.pending))
	copy(out, b.pending)
	return out
}

// HasAssignableWorker reports whether at least one worker could accept a task
// right now. Used by the orchestrator's deadlock check.
func (b *Balancer) HasAssignableWorker() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, w := range b.selectableLocked() {
		if w.Available {
			return true
		}
	}
	return false
}

// AvgTurnaround returns the rolling average assignment-to-completion time
// over all tasks to date.
func (b *Balancer) AvgTurnaround() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.totalCompleted == 0 {
		return 0
	}
	return b.totalTurnround / time.Duration(b.totalCompleted)
}

// Reset clears the registry, queue and assignment records at teardown.
func (b *Balancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.workers = make(map[int]*model.WorkerNode)
	b.order = nil
	b.assignments = make(map[string]assignmentRecord)
	b.pending = nil
}

// rebalanceLoop runs the periodic rebalance tick.
func (b *Balancer) rebalanceLoop(ctx context.Context) {
	ticker := time.NewTicker(b.rebalanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.Rebalance()
		}
	}
}

func (b *Balancer) publish(ev event.Event) {
	if b.bus != nil {
		b.bus.Publish(ev)
	}
}
