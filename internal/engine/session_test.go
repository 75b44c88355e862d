package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/protocol"
	"github.com/chatrelay/chatworker/internal/site"
	"github.com/chatrelay/chatworker/internal/stabilize"
	"github.com/chatrelay/chatworker/internal/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type pageState struct {
	count int
	text  string
}

type fakeAdapter struct {
	mu sync.Mutex

	before    pageState
	after     pageState
	submitted bool

	noInput      bool
	noSendButton bool
	panicOnFind  bool
	block        chan struct{}

	written     []string
	clicked     int
	entered     int
	newChats    int
	newChatOK   bool
	newChatErrs []error
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) FindInputArea(context.Context) (*site.Element, error) {
	if f.block != nil {
		<-f.block
	}
	if f.panicOnFind {
		panic("selector engine exploded")
	}
	if f.noInput {
		return nil, nil
	}
	return &site.Element{Ref: "input", Kind: site.ElementTextarea}, nil
}

func (f *fakeAdapter) FindSendButton(context.Context) (*site.Element, error) {
	if f.noSendButton {
		return nil, nil
	}
	return &site.Element{Ref: "send", Kind: site.ElementButton}, nil
}

func (f *fakeAdapter) IsGenerating(context.Context) (bool, error) { return false, nil }

func (f *fakeAdapter) page() pageState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted {
		return f.after
	}
	return f.before
}

func (f *fakeAdapter) ResponseTurnCount(context.Context) (int, error) {
	return f.page().count, nil
}

func (f *fakeAdapter) LatestResponseText(context.Context) (string, error) {
	return f.page().text, nil
}

func (f *fakeAdapter) Focus(context.Context, *site.Element) error { return nil }

func (f *fakeAdapter) Submit(_ context.Context, _ *site.Element, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, text)
	return nil
}

func (f *fakeAdapter) Click(context.Context, *site.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicked++
	f.submitted = true
	return nil
}

func (f *fakeAdapter) PressEnter(context.Context, *site.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered++
	f.submitted = true
	return nil
}

func (f *fakeAdapter) StartNewChat(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newChats++
	f.newChatErrs = append(f.newChatErrs, ctx.Err())
	return f.newChatOK, nil
}

// failingPersister rejects writes for one target state.
type failingPersister struct {
	mu      sync.Mutex
	failOn  string
	written []string
}

func (p *failingPersister) SetState(_, _, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value == p.failOn {
		return errors.New("database is locked")
	}
	p.written = append(p.written, value)
	return nil
}

func (p *failingPersister) AppendEvent(string, string) error { return nil }

type fakeSender struct {
	mu     sync.Mutex
	closed bool
	frames []protocol.Result
}

func (f *fakeSender) Send(frame any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if result, ok := frame.(protocol.Result); ok {
		f.frames = append(f.frames, result)
	}
	return true
}

func (f *fakeSender) results() []protocol.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Result(nil), f.frames...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []journal.Task
}

func (f *fakeRecorder) RecordTask(_ context.Context, task journal.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, task)
	return nil
}

func newTestSession(t *testing.T, adapter *fakeAdapter, options ...Option) (*Session, *control.Panel, *state.Machine) {
	t.Helper()

	clock := newFakeClock()
	detector := stabilize.New(stabilize.DefaultConfig(), stabilize.WithClock(clock.Now, clock.Sleep))
	machine, err := state.NewMachine(state.Discard, "worker")
	require.NoError(t, err)
	panel := control.NewPanel()

	options = append([]Option{
		WithClock(clock.Now, clock.Sleep),
		WithObserver(panel),
		WithMachine(machine),
	}, options...)
	session, err := New("qwen-10", adapter, detector, options...)
	require.NoError(t, err)
	return session, panel, machine
}

func encodeResult(t *testing.T, result protocol.Result) string {
	t.Helper()
	data, err := protocol.Encode(result)
	require.NoError(t, err)
	return string(data)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	detector := stabilize.New(stabilize.DefaultConfig())
	_, err := New(" ", &fakeAdapter{}, detector)
	require.EqualError(t, err, "worker id is required")
	_, err = New("w", nil, detector)
	require.EqualError(t, err, "site adapter is required")
	_, err = New("w", &fakeAdapter{}, nil)
	require.EqualError(t, err, "detector is required")
}

func TestHandleTaskCompletesPlainAnswer(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{after: pageState{count: 1, text: "Hi there"}}
	recorder := &fakeRecorder{}
	session, panel, machine := newTestSession(t, adapter, WithRecorder(recorder))
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "abc123", "Say hi"))
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	assert.JSONEq(t,
		`{"type":"result","taskId":"abc123","response":"Hi there","error":null}`,
		encodeResult(t, results[0]),
	)
	assert.Equal(t, 1, session.TasksDone())
	assert.True(t, session.Idle())
	assert.Equal(t, []string{"Say hi"}, adapter.written)
	assert.Equal(t, 1, adapter.clicked)
	assert.Zero(t, adapter.newChats)

	snapshot := panel.Snapshot()
	assert.Equal(t, 1, snapshot.Completed)
	assert.Equal(t, "Connected", snapshot.Status)
	assert.Equal(t, "Done ✓", snapshot.Log[0].Message)

	var path []string
	for _, record := range machine.History() {
		path = append(path, record.ToState)
	}
	assert.Equal(t, []string{state.TaskSubmitting, state.TaskPolling, state.TaskCompleted}, path)

	require.Len(t, recorder.entries, 2)
	assert.Equal(t, state.TaskReceived, recorder.entries[0].State)
	assert.Equal(t, state.TaskCompleted, recorder.entries[1].State)
	assert.Equal(t, "Hi there", recorder.entries[1].Response)
	assert.False(t, recorder.entries[1].FinishedAt.IsZero())
}

func TestHandleTaskReturnsFencedJSONPayload(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		before: pageState{count: 2, text: "Earlier answer"},
		after:  pageState{count: 3, text: "Here you go:\n```json\n{\"p1\":[\"x\"]}\n```"},
	}
	session, _, _ := newTestSession(t, adapter)
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "t-json", "List it"))
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Response)
	assert.Equal(t, `{"p1":["x"]}`, *results[0].Response)
}

func TestHandleTaskTimeoutReportsErrorAndRecovers(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{newChatOK: true}
	session, panel, machine := newTestSession(t, adapter)
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "t-slow", "Think hard"))
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	assert.JSONEq(t,
		`{"type":"result","taskId":"t-slow","response":null,"error":"Response timeout"}`,
		encodeResult(t, results[0]),
	)
	assert.Equal(t, 1, adapter.newChats)
	assert.Zero(t, session.TasksDone())
	assert.Equal(t, 1, panel.Snapshot().Failed)

	history := machine.History()
	require.NotEmpty(t, history)
	assert.Equal(t, state.TaskFailed, history[len(history)-1].ToState)
}

func TestHandleTaskInputNotFound(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{noInput: true}
	session, _, machine := newTestSession(t, adapter)
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "t-noinput", "Hello"))
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, "Input not found", *results[0].Error)
	assert.Nil(t, results[0].Response)
	assert.Equal(t, 1, adapter.newChats)

	history := machine.History()
	require.Len(t, history, 2)
	assert.Equal(t, state.TaskSubmitting, history[0].ToState)
	assert.Equal(t, state.TaskFailed, history[1].ToState)
}

func TestHandleTaskFallsBackToEnter(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{noSendButton: true, after: pageState{count: 1, text: "Entered answer"}}
	session, _, _ := newTestSession(t, adapter)
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "t-enter", "Hello"))
	session.Wait()

	assert.Equal(t, 1, adapter.entered)
	assert.Zero(t, adapter.clicked)
	require.Len(t, sender.results(), 1)
}

func TestHandleTaskRecoversAdapterPanic(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{panicOnFind: true}
	session, _, _ := newTestSession(t, adapter)
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "t-panic", "Hello"))
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Contains(t, *results[0].Error, "adapter panic")
	assert.Equal(t, 1, adapter.newChats)
	assert.True(t, session.Idle())
}

func TestHandleTaskDropsOverlap(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	adapter := &fakeAdapter{block: release, after: pageState{count: 1, text: "First answer"}}
	session, panel, _ := newTestSession(t, adapter)
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "first", "One"))
	current, busy := session.Current()
	require.True(t, busy)
	assert.Equal(t, "first", current.ID)

	assert.False(t, session.HandleTask(context.Background(), sender, "second", "Two"))
	var messages []string
	for _, entry := range panel.Snapshot().Log {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "Already processing, skip")

	close(release)
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	assert.Equal(t, "first", results[0].TaskID)
	assert.Equal(t, []string{"One"}, adapter.written)
}

func TestHandleTaskResultDroppedWhenConnectionClosed(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{after: pageState{count: 1, text: "Hi there"}}
	session, _, _ := newTestSession(t, adapter)
	sender := &fakeSender{closed: true}

	require.True(t, session.HandleTask(context.Background(), sender, "t-closed", "Hello"))
	session.Wait()

	assert.Empty(t, sender.results())
	assert.Equal(t, 1, session.TasksDone())
}

func TestWireMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "timeout", err: stabilize.ErrResponseTimeout, want: "Response timeout"},
		{name: "hard deadline", err: context.DeadlineExceeded, want: "Response timeout"},
		{name: "input", err: site.ErrInputNotFound, want: "Input not found"},
		{name: "wrapped input", err: errors.Join(errors.New("submit"), site.ErrInputNotFound), want: "Input not found"},
		{name: "other", err: errors.New("qwen: probe generating: target closed"), want: "qwen: probe generating: target closed"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, WireMessage(tt.err))
		})
	}
}

func TestObservationHookLogs(t *testing.T) {
	t.Parallel()

	var logged []any
	hook := ObservationHook("fake", func(msg any, keyvals ...any) {
		logged = append(logged, msg)
		logged = append(logged, keyvals...)
	})
	hook(stabilize.Observation{ResponseCount: 2, RawText: "Hello world", StableCount: 1})

	require.NotEmpty(t, logged)
	assert.Equal(t, "observation", logged[0])

	encoded, err := json.Marshal(logged[1:])
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"stable_count",1`)

	ObservationHook("fake", nil)(stabilize.Observation{Generating: true})
}

func TestHandleTaskSurvivesJournalWriteFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		failOn string
	}{
		{name: "submitting write fails", failOn: state.TaskSubmitting},
		{name: "polling write fails", failOn: state.TaskPolling},
		{name: "completed write fails", failOn: state.TaskCompleted},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			persister := &failingPersister{failOn: tt.failOn}
			machine, err := state.NewMachine(persister, "worker")
			require.NoError(t, err)
			adapter := &fakeAdapter{after: pageState{count: 1, text: "Hi there"}}
			session, _, _ := newTestSession(t, adapter, WithMachine(machine))
			sender := &fakeSender{}

			require.True(t, session.HandleTask(context.Background(), sender, "abc123", "Say hi"))
			session.Wait()

			results := sender.results()
			require.Len(t, results, 1)
			assert.JSONEq(t,
				`{"type":"result","taskId":"abc123","response":"Hi there","error":null}`,
				encodeResult(t, results[0]),
			)
			assert.Zero(t, adapter.newChats)
			assert.Equal(t, 1, session.TasksDone())
			assert.NotContains(t, persister.written, tt.failOn)
		})
	}
}

func TestHandleTaskFailureAfterJournalWriteFailureStillReportsCause(t *testing.T) {
	t.Parallel()

	persister := &failingPersister{failOn: state.TaskSubmitting}
	machine, err := state.NewMachine(persister, "worker")
	require.NoError(t, err)
	adapter := &fakeAdapter{noInput: true}
	session, _, _ := newTestSession(t, adapter, WithMachine(machine))
	sender := &fakeSender{}

	require.True(t, session.HandleTask(context.Background(), sender, "t-noinput", "Hello"))
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, "Input not found", *results[0].Error)
	assert.Contains(t, persister.written, state.TaskFailed)
	assert.Equal(t, 1, adapter.newChats)
}

func TestRecoveryRunsAfterCancelledTask(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	adapter := &fakeAdapter{block: release, newChatOK: true}
	session, _, machine := newTestSession(t, adapter)
	sender := &fakeSender{}

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, session.HandleTask(ctx, sender, "t-stopped", "Hello"))
	cancel()
	close(release)
	session.Wait()

	results := sender.results()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)

	require.Equal(t, 1, adapter.newChats)
	assert.NoError(t, adapter.newChatErrs[0])

	history := machine.History()
	require.NotEmpty(t, history)
	assert.Equal(t, state.TaskFailed, history[len(history)-1].ToState)
}
