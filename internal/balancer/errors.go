package balancer

import "errors"

var (
	// ErrNoAvailableWorkers is returned when no worker is selectable for a task
	ErrNoAvailableWorkers = errors.New("no available workers")

	// ErrWorkerNotFound is returned when a worker id is not registered
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrUnknownStrategy is returned when a strategy name is not recognized
	ErrUnknownStrategy = errors.New("unknown load balancing strategy")
)
