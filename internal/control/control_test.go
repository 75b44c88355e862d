package control

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatworker/internal/events"
)

type fakeWorker struct {
	started int
	stopped int
}

func (f *fakeWorker) Start(context.Context) { f.started++ }
func (f *fakeWorker) Stop()                 { f.stopped++ }

func TestPanelLogIsBoundedNewestFirst(t *testing.T) {
	t.Parallel()

	panel := NewPanel()
	for i := 0; i < MaxLogEntries+5; i++ {
		panel.OnLog(fmt.Sprintf("entry %d", i), SeverityInfo)
	}

	snapshot := panel.Snapshot()
	require.Len(t, snapshot.Log, MaxLogEntries)
	assert.Equal(t, fmt.Sprintf("entry %d", MaxLogEntries+4), snapshot.Log[0].Message)
	assert.Equal(t, "entry 5", snapshot.Log[MaxLogEntries-1].Message)
}

func TestPanelCountersAndStatus(t *testing.T) {
	t.Parallel()

	panel := NewPanel(WithCompleted(7))
	panel.OnStatusChange("Processing...", StateBusy)
	panel.OnTaskCompleted()
	panel.OnTaskFailed("abc123", "Response timeout")

	snapshot := panel.Snapshot()
	assert.Equal(t, "Processing...", snapshot.Status)
	assert.Equal(t, StateBusy, snapshot.State)
	assert.Equal(t, 8, snapshot.Completed)
	assert.Equal(t, 1, snapshot.Failed)
}

func TestPanelToggle(t *testing.T) {
	t.Parallel()

	panel := NewPanel()
	_, err := panel.Toggle(context.Background())
	require.EqualError(t, err, "worker is required")

	worker := &fakeWorker{}
	panel.Bind(worker)

	active, err := panel.Toggle(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, panel.Active())
	assert.Equal(t, 1, worker.started)

	active, err = panel.Toggle(context.Background())
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, 1, worker.stopped)

	snapshot := panel.Snapshot()
	assert.Equal(t, "Stopped", snapshot.Status)
	assert.Equal(t, StateStopped, snapshot.State)
	assert.Equal(t, "Stopped", snapshot.Log[0].Message)
	assert.Equal(t, "Starting...", snapshot.Log[1].Message)
}

func TestPanelPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := events.New()
	t.Cleanup(bus.Close)

	var (
		mu   sync.Mutex
		seen []events.Event
	)
	bus.SubscribeAll(func(event events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event)
	})

	fixed := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	panel := NewPanel(WithBus(bus), WithClock(func() time.Time { return fixed }))
	panel.OnLog("Error: Input not found", SeverityError)
	panel.OnTaskCompleted()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.EventTypeLog, seen[0].Type)
	assert.Equal(t, events.SeverityError, seen[0].Severity)
	assert.Equal(t, fixed, seen[0].Timestamp)
	assert.Equal(t, events.EventTypeTaskCompleted, seen[1].Type)
}

func TestShortID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc123", ShortID("abc123"))
	assert.Equal(t, "0123456789ab", ShortID("0123456789abcdef"))
}

func TestDiscardObserver(t *testing.T) {
	t.Parallel()

	Discard.OnStatusChange("Connected", StateConnected)
	Discard.OnLog("x", SeverityInfo)
	Discard.OnTaskCompleted()
	_, ok := Discard.(FailureObserver)
	assert.False(t, ok)
}
