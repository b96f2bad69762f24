package engine

import "errors"

var (
	// ErrDeadlock is returned when pending tasks remain but no task is in
	// flight and no worker can accept work
	ErrDeadlock = errors.New("execution deadlock: pending tasks with no assignable workers")

	// ErrExecutionTimeout is returned when the global execution ceiling fires
	ErrExecutionTimeout = errors.New("global execution timeout exceeded")

	// ErrCircularDependency is returned when submitted tasks form a dependency cycle
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrUnknownDependency is returned when a task depends on an id outside the batch
	ErrUnknownDependency = errors.New("dependency references unknown task id")

	// ErrWorkersNotReady is returned when the pool fails its startup handshake
	ErrWorkersNotReady = errors.New("workers failed to report ready")

	// ErrNilHandler is returned when no task handler is configured
	ErrNilHandler = errors.New("task handler must not be nil")

	// ErrRunInProgress is returned when Run is called while a batch is active
	ErrRunInProgress = errors.New("a batch is already running")
)
