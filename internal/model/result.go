package model

import (
	"encoding/json"
	"time"
)

// ResultStatus is the terminal disposition of a task.
type ResultStatus string

const (
	ResultPassed  ResultStatus = "passed"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
)

// SubResult is one entry of a composite unit of work (e.g. a single test case
// inside a suite).
type SubResult struct {
	Name     string        `json:"name"`
	Status   ResultStatus  `json:"status"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// TaskResult is the terminal, immutable record of one task's outcome. Exactly
// one is created per task id.
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	SuiteID     string          `json:"suite_id,omitempty"`
	Status      ResultStatus    `json:"status"`
	Duration    time.Duration   `json:"duration"`
	SubResults  []SubResult     `json:"sub_results,omitempty"`
	Coverage    json.RawMessage `json:"coverage,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       *TestError      `json:"error,omitempty"`
	WorkerID    int             `json:"worker_id"`
	CompletedAt time.Time       `json:"completed_at"`
}
