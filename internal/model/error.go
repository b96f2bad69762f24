package model

import "time"

// ErrorType is the failure taxonomy a classified error belongs to.
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeAssertion ErrorType = "assertion"
	ErrorTypeSetup     ErrorType = "setup"
	ErrorTypeRuntime   ErrorType = "runtime"
	ErrorTypeMemory    ErrorType = "memory"
	ErrorTypeNetwork   ErrorType = "network"
)

// ErrorSeverity represents how serious a classified error is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// TestError is a failure signal attached to one task execution. Once
// classified it carries a non-default type and severity; it is never mutated
// after being appended to the error history.
type TestError struct {
	Message   string            `json:"message"`
	Stack     string            `json:"stack,omitempty"`
	Type      ErrorType         `json:"type"`
	Severity  ErrorSeverity     `json:"severity"`
	WorkerID  int               `json:"worker_id"`
	TaskID    string            `json:"task_id,omitempty"`
	SuiteID   string            `json:"suite_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *TestError) Error() string {
	return e.Message
}

// RecoveryAction is the kind of recovery a strategy prescribes.
type RecoveryAction string

const (
	RecoveryRetry   RecoveryAction = "retry"
	RecoveryRestart RecoveryAction = "restart"
	RecoveryIsolate RecoveryAction = "isolate"
	RecoverySkip    RecoveryAction = "skip"
)

// RecoveryStrategy is the declarative policy selected for a classified error.
type RecoveryStrategy struct {
	Action      RecoveryAction `json:"action"`
	MaxAttempts int            `json:"max_attempts"`
	Backoff     time.Duration  `json:"backoff"`
}
