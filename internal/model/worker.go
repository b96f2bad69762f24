package model

import "time"

// WorkerNode is the orchestrator's accounting view of one execution slot.
// CurrentLoad staying within [0, MaxLoad] is a target, not a hard bound: one
// assignment may push a worker slightly over, after which it is unavailable
// until load drops.
type WorkerNode struct {
	ID             int           `json:"id"`
	Available      bool          `json:"available"`
	CurrentLoad    time.Duration `json:"current_load"`
	MaxLoad        time.Duration `json:"max_load"`
	TasksCompleted int           `json:"tasks_completed"`
	TotalDuration  time.Duration `json:"total_duration"`
	Errors         int           `json:"errors"`
	AvgTaskTime    time.Duration `json:"avg_task_time"`
	SuccessRate    float64       `json:"success_rate"`
	LastTaskAt     time.Time     `json:"last_task_at"`
}

// LoadRatio returns CurrentLoad as a fraction of MaxLoad.
func (w *WorkerNode) LoadRatio() float64 {
	if w.MaxLoad <= 0 {
		return 0
	}
	return float64(w.CurrentLoad) / float64(w.MaxLoad)
}

// Headroom returns the remaining capacity fraction, clamped at zero.
func (w *WorkerNode) Headroom() float64 {
	ratio := 1 - w.LoadRatio()
	if ratio < 0 {
		return 0
	}
	return ratio
}

// WorkerHealth is the isolation subsystem's bookkeeping for one worker,
// distinct from the performance stats on WorkerNode. A worker is eligible for
// assignment only while Healthy is true and IsolatedUntil is unset or past.
type WorkerHealth struct {
	WorkerID      int        `json:"worker_id"`
	Healthy       bool       `json:"healthy"`
	ErrorCount    int        `json:"error_count"`
	ErrorRate     float64    `json:"error_rate"`
	LastError     *TestError `json:"last_error,omitempty"`
	IsolatedUntil *time.Time `json:"isolated_until,omitempty"`
	RestartCount  int        `json:"restart_count"`
}
