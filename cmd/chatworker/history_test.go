package main

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/state"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(value string) string {
	return ansiPattern.ReplaceAllString(value, "")
}

func TestPrintHistoryEmptyJournal(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printHistory(context.Background(), filepath.Join(t.TempDir(), "journal.db"), 5, &out))
	assert.Contains(t, out.String(), "No tasks recorded yet.")
}

func TestPrintHistoryRendersRecentTasks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := journal.Open(ctx, path)
	require.NoError(t, err)

	started := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordTask(ctx, journal.Task{
		ID:         "task-0001-abcdef",
		WorkerID:   "qwen-worker",
		Site:       "qwen",
		Prompt:     "hello",
		State:      state.TaskCompleted,
		Response:   "Hello there, how can I help?",
		StartedAt:  started,
		FinishedAt: started.Add(4200 * time.Millisecond),
	}))
	require.NoError(t, store.RecordTask(ctx, journal.Task{
		ID:         "task-0002",
		WorkerID:   "qwen-worker",
		Site:       "qwen",
		Prompt:     "second",
		State:      state.TaskFailed,
		Error:      "Input not found",
		StartedAt:  started.Add(time.Minute),
		FinishedAt: started.Add(time.Minute + time.Second),
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, printHistory(ctx, path, 10, &out))
	output := stripANSI(out.String())

	for _, want := range []string{"TASK", "task-0001-ab", "completed", "4.2s", "Hello there", "task-0002", "failed", "Input not found"} {
		assert.Contains(t, output, want)
	}
	assert.Less(t, strings.Index(output, "task-0002"), strings.Index(output, "task-0001-ab"), "newest first")
}

func TestTaskDetailAndDuration(t *testing.T) {
	long := journal.Task{Response: strings.Repeat("word ", 20)}
	detail := taskDetail(long)
	assert.Equal(t, historyDetailWidth, len([]rune(detail)))
	assert.True(t, strings.HasSuffix(detail, "…"))

	assert.Equal(t, "boom", taskDetail(journal.Task{Response: "ignored", Error: "boom"}))
	assert.Equal(t, "-", taskDuration(journal.Task{StartedAt: time.Now()}))
}
