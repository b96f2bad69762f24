package event

import (
	"time"

	"github.com/t77yq/parallel-runner/internal/model"
)

// Kind names one of the bounded set of event kinds the engine emits.
type Kind string

const (
	KindExecutionStart     Kind = "execution:start"
	KindWorkerRegistered   Kind = "worker:registered"
	KindWorkerReady        Kind = "worker:ready"
	KindTaskAssigned       Kind = "task:assigned"
	KindTaskQueued         Kind = "task:queued"
	KindTaskProgress       Kind = "task:progress"
	KindTaskComplete       Kind = "task:complete"
	KindTaskError          Kind = "task:error"
	KindWorkerIsolated     Kind = "worker:isolated"
	KindWorkerRecovered    Kind = "worker:recovered"
	KindWorkerRestarted    Kind = "worker:restarted"
	KindRebalanceCompleted Kind = "rebalance:completed"
	KindExecutionComplete  Kind = "execution:complete"
	KindExecutionError     Kind = "execution:error"
	KindPoolMetrics        Kind = "pool:metrics"
)

// Event is the sealed set of engine events. Each payload type maps to exactly
// one Kind.
type Event interface {
	Kind() Kind
}

// ExecutionStarted is emitted once when a batch begins.
type ExecutionStarted struct {
	RunID     string    `json:"run_id"`
	TaskCount int       `json:"task_count"`
	Workers   int       `json:"workers"`
	Strategy  string    `json:"strategy"`
	At        time.Time `json:"at"`
}

func (ExecutionStarted) Kind() Kind { return KindExecutionStart }

// WorkerRegistered is emitted when a worker slot joins the balancer registry.
type WorkerRegistered struct {
	WorkerID int           `json:"worker_id"`
	MaxLoad  time.Duration `json:"max_load"`
}

func (WorkerRegistered) Kind() Kind { return KindWorkerRegistered }

// WorkerReady is emitted when a worker runtime has completed its startup
// handshake and is accepting tasks.
type WorkerReady struct {
	WorkerID int `json:"worker_id"`
}

func (WorkerReady) Kind() Kind { return KindWorkerReady }

// TaskAssigned is emitted when the balancer hands a task to a worker.
type TaskAssigned struct {
	TaskID            string             `json:"task_id"`
	WorkerID          int                `json:"worker_id"`
	Priority          model.TaskPriority `json:"priority"`
	EstimatedDuration time.Duration      `json:"estimated_duration"`
}

func (TaskAssigned) Kind() Kind { return KindTaskAssigned }

// TaskQueued is emitted when no worker is selectable and the task is parked
// in the pending queue.
type TaskQueued struct {
	TaskID      string `json:"task_id"`
	QueueLength int    `json:"queue_length"`
}

func (TaskQueued) Kind() Kind { return KindTaskQueued }

// TaskProgress carries handler-reported progress for an in-flight task.
type TaskProgress struct {
	TaskID    string `json:"task_id"`
	WorkerID  int    `json:"worker_id"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

func (TaskProgress) Kind() Kind { return KindTaskProgress }

// TaskCompleted is emitted when a task reaches a passed terminal state.
type TaskCompleted struct {
	Result *model.TaskResult `json:"result"`
}

func (TaskCompleted) Kind() Kind { return KindTaskComplete }

// TaskErrored is emitted when a task execution fails, along with the recovery
// action the isolation layer selected.
type TaskErrored struct {
	Error  *model.TestError     `json:"error"`
	Action model.RecoveryAction `json:"action"`
}

func (TaskErrored) Kind() Kind { return KindTaskError }

// WorkerIsolated is emitted on the Healthy -> Isolated transition.
type WorkerIsolated struct {
	WorkerID int       `json:"worker_id"`
	Until    time.Time `json:"until"`
	Reason   string    `json:"reason"`
}

func (WorkerIsolated) Kind() Kind { return KindWorkerIsolated }

// WorkerRecovered is emitted on the Isolated -> Healthy transition.
type WorkerRecovered struct {
	WorkerID     int `json:"worker_id"`
	RestartCount int `json:"restart_count"`
}

func (WorkerRecovered) Kind() Kind { return KindWorkerRecovered }

// WorkerRestarted is emitted after a worker slot has been torn down and
// recreated.
type WorkerRestarted struct {
	WorkerID int `json:"worker_id"`
}

func (WorkerRestarted) Kind() Kind { return KindWorkerRestarted }

// LoadMigration describes one bookkeeping-level load move between workers.
type LoadMigration struct {
	FromWorkerID int           `json:"from_worker_id"`
	ToWorkerID   int           `json:"to_worker_id"`
	Moved        time.Duration `json:"moved"`
}

func (LoadMigration) Kind() Kind { return KindRebalanceCompleted }

// RebalanceCompleted is emitted after a rebalance cycle that migrated load.
type RebalanceCompleted struct {
	Migrations []LoadMigration `json:"migrations"`
}

func (RebalanceCompleted) Kind() Kind { return KindRebalanceCompleted }

// ExecutionCompleted is emitted once when a batch finishes successfully.
type ExecutionCompleted struct {
	RunID    string        `json:"run_id"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

func (ExecutionCompleted) Kind() Kind { return KindExecutionComplete }

// ExecutionError is emitted when a batch aborts (deadlock, global timeout,
// startup failure).
type ExecutionError struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

func (ExecutionError) Kind() Kind { return KindExecutionError }

// PoolMetrics carries periodic host and worker pool statistics.
type PoolMetrics struct {
	CPUUsage    float64            `json:"cpu_usage"`
	MemoryUsage float64            `json:"memory_usage"`
	Workers     []model.WorkerNode `json:"workers"`
	CollectedAt time.Time          `json:"collected_at"`
}

func (PoolMetrics) Kind() Kind { return KindPoolMetrics }
