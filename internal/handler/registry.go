package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/t77yq/parallel-runner/internal/engine"
	"github.com/t77yq/parallel-runner/internal/model"
)

// Registry routes tasks to handlers by suite id, with an optional fallback
// for suites that have no dedicated handler. It satisfies engine.TaskHandler
// so a mixed batch can flow through one executor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]engine.TaskHandler
	fallback engine.TaskHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]engine.TaskHandler),
	}
}

// Register binds a suite id to a handler, replacing any previous binding.
func (r *Registry) Register(suiteID string, h engine.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[suiteID] = h
}

// SetFallback sets the handler used when no suite binding matches.
func (r *Registry) SetFallback(h engine.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Execute dispatches to the handler registered for the task's suite.
func (r *Registry) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	r.mu.RLock()
	h, ok := r.handlers[task.SuiteID]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		return nil, fmt.Errorf("setup failed: no handler for suite %q", task.SuiteID)
	}
	return h.Execute(ctx, task)
}
