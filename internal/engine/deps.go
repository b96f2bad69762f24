package engine

import (
	"fmt"

	"github.com/t77yq/parallel-runner/internal/model"
)

// depGate holds back tasks whose dependencies have not finished. A task
// becomes eligible for assignment once every dependency passed; a task whose
// dependency terminally failed or was skipped is itself skipped, cascading
// through dependents.
type depGate struct {
	graph   map[string][]string
	blocked map[string]*model.Task
	done    map[string]model.ResultStatus
}

// newDepGate validates the batch's dependency graph and returns the gate.
// Cycles and references to ids outside the batch fail the whole batch up
// front.
func newDepGate(tasks []*model.Task) (*depGate, error) {
	g := &depGate{
		graph:   make(map[string][]string, len(tasks)),
		blocked: make(map[string]*model.Task),
		done:    make(map[string]model.ResultStatus),
	}

	ids := make(map[string]*model.Task, len(tasks))
	for _, task := range tasks {
		ids[task.ID] = task
		g.graph[task.ID] = task.Dependencies
	}

	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if _, ok := ids[dep]; !ok {
				return nil, fmt.Errorf("task %s: %w: %s", task.ID, ErrUnknownDependency, dep)
			}
		}
		if len(task.Dependencies) > 0 {
			g.blocked[task.ID] = task
		}
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkCycles runs a DFS over the dependency graph.
func (g *depGate) checkCycles() error {
	visited := make(map[string]bool)
	path := make(map[string]bool)

	var visit func(string) error
	visit = func(current string) error {
		if path[current] {
			return fmt.Errorf("%w: task %s", ErrCircularDependency, current)
		}
		if visited[current] {
			return nil
		}
		visited[current] = true
		path[current] = true

		for _, dep := range g.graph[current] {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path[current] = false
		return nil
	}

	for id := range g.graph {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// eligible returns the tasks with no unmet dependencies, in input order.
func (g *depGate) eligible(tasks []*model.Task) []*model.Task {
	var out []*model.Task
	for _, task := range tasks {
		if _, held := g.blocked[task.ID]; !held {
			out = append(out, task)
		}
	}
	return out
}

// complete records one terminal disposition and returns the blocked tasks it
// releases plus the blocked tasks it condemns to a skip (dependency failed),
// cascading through chains of dependents.
func (g *depGate) complete(taskID string, status model.ResultStatus) (released, skipped []*model.Task) {
	g.done[taskID] = status

	for {
		progressed := false
		for id, task := range g.blocked {
			disposition := g.dispositionFor(task)
			switch disposition {
			case model.ResultPassed:
				delete(g.blocked, id)
				released = append(released, task)
				progressed = true
			case model.ResultSkipped:
				delete(g.blocked, id)
				g.done[id] = model.ResultSkipped
				skipped = append(skipped, task)
				progressed = true
			}
		}
		if !progressed {
			return released, skipped
		}
	}
}

// dispositionFor reports whether a blocked task can run (passed), must be
// skipped, or stays held ("").
func (g *depGate) dispositionFor(task *model.Task) model.ResultStatus {
	allPassed := true
	for _, dep := range task.Dependencies {
		status, ok := g.done[dep]
		if !ok {
			allPassed = false
			continue
		}
		if status != model.ResultPassed {
			return model.ResultSkipped
		}
	}
	if allPassed {
		return model.ResultPassed
	}
	return ""
}

// pendingBlocked returns how many tasks are still gated.
func (g *depGate) pendingBlocked() int {
	return len(g.blocked)
}
