package engine

import (
	"container/heap"

	"github.com/t77yq/parallel-runner/internal/balancer"
	"github.com/t77yq/parallel-runner/internal/model"
)

// orderQueue orders tasks by priority tier, then estimated cost descending,
// then creation time, for the initial feed of cost-aware strategies.
type orderQueue struct {
	tasks []*model.Task
}

func (q *orderQueue) Len() int { return len(q.tasks) }

func (q *orderQueue) Less(i, j int) bool {
	a, b := q.tasks[i], q.tasks[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.EstimatedDuration != b.EstimatedDuration {
		return a.EstimatedDuration > b.EstimatedDuration
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (q *orderQueue) Swap(i, j int) {
	q.tasks[i], q.tasks[j] = q.tasks[j], q.tasks[i]
}

func (q *orderQueue) Push(x interface{}) {
	q.tasks = append(q.tasks, x.(*model.Task))
}

func (q *orderQueue) Pop() interface{} {
	old := q.tasks
	n := len(old)
	item := old[n-1]
	q.tasks = old[:n-1]
	return item
}

// orderForStrategy returns the tasks in the strategy's preferred initial
// ordering: submission order for round-robin, priority-and-cost descending
// for the cost-aware strategies.
func orderForStrategy(tasks []*model.Task, strategyName string) []*model.Task {
	if strategyName == balancer.StrategyRoundRobin {
		out := make([]*model.Task, len(tasks))
		copy(out, tasks)
		return out
	}

	q := &orderQueue{tasks: make([]*model.Task, len(tasks))}
	copy(q.tasks, tasks)
	heap.Init(q)

	out := make([]*model.Task, 0, len(tasks))
	for q.Len() > 0 {
		out = append(out, heap.Pop(q).(*model.Task))
	}
	return out
}
