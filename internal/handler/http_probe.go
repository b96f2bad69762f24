package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/engine"
	"github.com/t77yq/parallel-runner/internal/model"
)

// HTTPProbePayload describes an endpoint check. The probe passes when the
// response status matches ExpectStatus (200 when unset) and, if ExpectBody is
// set, the body contains it.
type HTTPProbePayload struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	ExpectStatus int               `json:"expect_status"`
	ExpectBody   string            `json:"expect_body"`
}

// HTTPProbeHandler runs HTTP endpoint checks.
type HTTPProbeHandler struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPProbeHandler creates a new HTTP probe handler.
func NewHTTPProbeHandler(logger *zap.Logger) *HTTPProbeHandler {
	return &HTTPProbeHandler{
		logger: logger.Named("probe"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var _ engine.TaskHandler = (*HTTPProbeHandler)(nil)

// Execute performs the probe. Transport failures return an error so the
// classifier can match them as network errors and schedule retries; status
// or body mismatches are test failures.
func (h *HTTPProbeHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload HTTPProbePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Probing endpoint",
		zap.String("task_id", task.ID),
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("network error reading response: %w", err)
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		SuiteID:     task.SuiteID,
		Status:      model.ResultPassed,
		Duration:    time.Since(started),
		Output:      string(respBody),
		CompletedAt: time.Now(),
	}

	want := payload.ExpectStatus
	if want == 0 {
		want = http.StatusOK
	}
	switch {
	case resp.StatusCode != want:
		result.Status = model.ResultFailed
		result.Error = &model.TestError{
			Message: fmt.Sprintf("assertion failed: expected status %d, received %d", want, resp.StatusCode),
			TaskID:  task.ID,
			SuiteID: task.SuiteID,
		}
	case payload.ExpectBody != "" && !strings.Contains(string(respBody), payload.ExpectBody):
		result.Status = model.ResultFailed
		result.Error = &model.TestError{
			Message: fmt.Sprintf("assertion failed: expected body to contain %q, received %d bytes without it", payload.ExpectBody, len(respBody)),
			TaskID:  task.ID,
			SuiteID: task.SuiteID,
		}
	}

	return result, nil
}
