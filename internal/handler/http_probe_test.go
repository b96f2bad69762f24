package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/model"
)

func probeTask(t *testing.T, payload HTTPProbePayload) *model.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Task{ID: "t1", SuiteID: "probe", Payload: data}
}

func TestHTTPProbeHandler_Pass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	h := NewHTTPProbeHandler(zap.NewNop())

	result, err := h.Execute(context.Background(), probeTask(t, HTTPProbePayload{
		URL:        srv.URL,
		ExpectBody: `"ok"`,
	}))
	require.NoError(t, err)
	require.Equal(t, model.ResultPassed, result.Status)
	require.Nil(t, result.Error)
}

func TestHTTPProbeHandler_StatusMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTPProbeHandler(zap.NewNop())

	result, err := h.Execute(context.Background(), probeTask(t, HTTPProbePayload{URL: srv.URL}))
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, result.Status)
	require.NotNil(t, result.Error)
	require.Contains(t, result.Error.Message, "assertion failed")
}

func TestHTTPProbeHandler_ExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := NewHTTPProbeHandler(zap.NewNop())

	result, err := h.Execute(context.Background(), probeTask(t, HTTPProbePayload{
		URL:          srv.URL,
		Method:       http.MethodPost,
		Body:         `{"name":"x"}`,
		ExpectStatus: http.StatusCreated,
	}))
	require.NoError(t, err)
	require.Equal(t, model.ResultPassed, result.Status)
}

func TestHTTPProbeHandler_BodyMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	h := NewHTTPProbeHandler(zap.NewNop())

	result, err := h.Execute(context.Background(), probeTask(t, HTTPProbePayload{
		URL:        srv.URL,
		ExpectBody: "expected text",
	}))
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, result.Status)
}

func TestHTTPProbeHandler_TransportErrorSurfaces(t *testing.T) {
	h := NewHTTPProbeHandler(zap.NewNop())

	// Nothing listens here; the transport failure must surface as an error so
	// the classifier can schedule a retry.
	_, err := h.Execute(context.Background(), probeTask(t, HTTPProbePayload{
		URL: "http://127.0.0.1:1",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "network error")
}
