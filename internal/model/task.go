package model

import (
	"encoding/json"
	"time"
)

// TaskPriority represents the priority tier of a task. Lower values are
// scheduled first.
type TaskPriority int

const (
	TaskPriorityP0 TaskPriority = iota
	TaskPriorityP1
	TaskPriorityP2
)

// String returns the tier name ("P0", "P1", "P2").
func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityP0:
		return "P0"
	case TaskPriorityP1:
		return "P1"
	case TaskPriorityP2:
		return "P2"
	default:
		return "P?"
	}
}

// Task represents a unit of work submitted for execution. EstimatedDuration
// is the cost unit used by load balancing, not wall-clock truth.
type Task struct {
	ID                string          `json:"id"`
	SuiteID           string          `json:"suite_id,omitempty"`
	Priority          TaskPriority    `json:"priority"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
	Complexity        int             `json:"complexity,omitempty"`
	Dependencies      []string        `json:"dependencies,omitempty"`
	Retries           int             `json:"retries"`
	MaxRetries        int             `json:"max_retries"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
