package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/engine"
	"github.com/t77yq/parallel-runner/internal/model"
)

// ShellSuitePayload describes a suite that runs as an external command. The
// process exit code decides pass or fail; stdout and stderr are captured
// into the result output.
type ShellSuitePayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
}

// ShellSuiteHandler executes shell-based suites.
type ShellSuiteHandler struct {
	logger *zap.Logger
}

// NewShellSuiteHandler creates a new shell suite handler.
func NewShellSuiteHandler(logger *zap.Logger) *ShellSuiteHandler {
	return &ShellSuiteHandler{
		logger: logger.Named("shell"),
	}
}

var _ engine.TaskHandler = (*ShellSuiteHandler)(nil)

// Execute runs the suite command. A non-zero exit reports a failed result;
// infrastructure problems (bad payload, command not found) surface as errors
// so the classifier sees them instead of the pass/fail path.
func (h *ShellSuiteHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload ShellSuitePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("setup failed: task %s has no command", task.ID)
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		env := make([]string, 0, len(payload.Env))
		for k, v := range payload.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = append(cmd.Env, env...)
	}

	h.logger.Info("Running suite command",
		zap.String("task_id", task.ID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	started := time.Now()
	output, err := cmd.CombinedOutput()

	result := &model.TaskResult{
		TaskID:      task.ID,
		SuiteID:     task.SuiteID,
		Status:      model.ResultPassed,
		Duration:    time.Since(started),
		Output:      string(output),
		CompletedAt: time.Now(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("suite command timed out: %w", ctx.Err())
		}
		result.Status = model.ResultFailed
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = err.Error()
		}
		result.Error = &model.TestError{
			Message: fmt.Sprintf("test failed: %s", msg),
			TaskID:  task.ID,
			SuiteID: task.SuiteID,
		}
	}

	return result, nil
}
