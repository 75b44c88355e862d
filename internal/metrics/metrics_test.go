package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreExposed(t *testing.T) {
	TasksTotal.WithLabelValues("qwen", Outcome(nil)).Inc()
	Polls.WithLabelValues("qwen", Bool(true)).Inc()
	FramesDropped.Inc()
	EventsDropped.WithLabelValues("Log").Inc()
	JournalWriteErrors.WithLabelValues("task").Inc()

	recorder := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	body := recorder.Body.String()
	assert.Contains(t, body, `chatworker_tasks_total{outcome="completed",site="qwen"}`)
	assert.Contains(t, body, `chatworker_stabilize_polls_total{generating="true",site="qwen"}`)
	assert.Contains(t, body, "chatworker_frames_dropped_total")
	assert.Contains(t, body, `chatworker_events_dropped_total{type="Log"}`)
	assert.Contains(t, body, `chatworker_journal_write_errors_total{entity="task"}`)
}

func TestOutcomeAndBool(t *testing.T) {
	assert.Equal(t, "completed", Outcome(nil))
	assert.Equal(t, "failed", Outcome(errors.New("response timeout")))
	assert.Equal(t, "true", Bool(true))
	assert.Equal(t, "false", Bool(false))
}

func TestServeDisabledWithoutAddr(t *testing.T) {
	require.NoError(t, Serve(context.Background(), "", nil))
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, Serve(ctx, "127.0.0.1:0", nil))
}
