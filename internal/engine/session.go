// Package engine runs the worker's task lifecycle: it accepts one task at a
// time, submits the prompt through a site adapter, waits for a stable answer
// and reports the result, starting a new conversation after every failure.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/logging"
	"github.com/chatrelay/chatworker/internal/site"
	"github.com/chatrelay/chatworker/internal/stabilize"
	"github.com/chatrelay/chatworker/internal/state"
)

const (
	DefaultSettleFocus     = 300 * time.Millisecond
	DefaultSettleWrite     = 500 * time.Millisecond
	DefaultSettleSubmit    = 500 * time.Millisecond
	DefaultRecoveryTimeout = 25 * time.Second

	hardTimeoutSlack = 5 * time.Second
)

// Settle holds the pauses that let the page react between submission steps.
type Settle struct {
	Focus  time.Duration
	Write  time.Duration
	Submit time.Duration
}

// Total returns the sum of all settle pauses.
func (s Settle) Total() time.Duration {
	return s.Focus + s.Write + s.Submit
}

// Recorder persists task outcomes.
type Recorder interface {
	RecordTask(ctx context.Context, task journal.Task) error
}

// Task is one dispatched prompt.
type Task struct {
	ID        string
	Prompt    string
	State     string
	StartedAt time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithObserver routes status, activity and completion notifications to observer.
func WithObserver(observer control.Observer) Option {
	return func(s *Session) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMachine sets the lifecycle state machine.
func WithMachine(machine *state.Machine) Option {
	return func(s *Session) {
		if machine != nil {
			s.machine = machine
		}
	}
}

// WithRecorder journals every task.
func WithRecorder(recorder Recorder) Option {
	return func(s *Session) {
		s.recorder = recorder
	}
}

// WithSettle overrides the submission pauses. Zero fields keep their defaults.
func WithSettle(settle Settle) Option {
	return func(s *Session) {
		if settle.Focus > 0 {
			s.settle.Focus = settle.Focus
		}
		if settle.Write > 0 {
			s.settle.Write = settle.Write
		}
		if settle.Submit > 0 {
			s.settle.Submit = settle.Submit
		}
	}
}

// WithRecoveryTimeout bounds the new-conversation recovery.
func WithRecoveryTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.recoveryTimeout = timeout
		}
	}
}

// WithHardTimeout bounds one task end to end. The default is the settle budget
// plus the detector timeout plus a small slack.
func WithHardTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.hardTimeout = timeout
		}
	}
}

// WithTasksDone seeds the completed-task counter.
func WithTasksDone(count int) Option {
	return func(s *Session) {
		if count > 0 {
			s.tasksDone.Store(int64(count))
		}
	}
}

// WithClock overrides the time source and the sleeper used for settle pauses.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Session is the worker's single-task execution context.
type Session struct {
	workerID string
	adapter  site.Adapter
	detector *stabilize.Detector
	observer control.Observer
	logger   *log.Logger
	machine  *state.Machine
	recorder Recorder

	settle          Settle
	hardTimeout     time.Duration
	recoveryTimeout time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error

	active    atomic.Bool
	tasksDone atomic.Int64

	mu      sync.Mutex
	current *Task
	wg      sync.WaitGroup
}

// New constructs a session for workerID driving adapter.
func New(workerID string, adapter site.Adapter, detector *stabilize.Detector, options ...Option) (*Session, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if adapter == nil {
		return nil, errors.New("site adapter is required")
	}
	if detector == nil {
		return nil, errors.New("detector is required")
	}

	s := &Session{
		workerID: workerID,
		adapter:  adapter,
		detector: detector,
		observer: control.Discard,
		logger:   logging.Discard(),
		settle: Settle{
			Focus:  DefaultSettleFocus,
			Write:  DefaultSettleWrite,
			Submit: DefaultSettleSubmit,
		},
		recoveryTimeout: DefaultRecoveryTimeout,
		now:             time.Now,
		sleep:           site.Sleep,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	if s.machine == nil {
		machine, err := state.NewMachine(state.Discard, "worker")
		if err != nil {
			return nil, err
		}
		s.machine = machine
	}
	if s.hardTimeout <= 0 {
		s.hardTimeout = s.settle.Total() + detector.Config().Timeout + hardTimeoutSlack
	}
	return s, nil
}

// WorkerID returns the id the session registers with.
func (s *Session) WorkerID() string {
	return s.workerID
}

// Site returns the adapter name.
func (s *Session) Site() string {
	return s.adapter.Name()
}

// Active reports whether the operator has the worker running.
func (s *Session) Active() bool {
	return s.active.Load()
}

// SetActive records the operator toggle.
func (s *Session) SetActive(active bool) {
	s.active.Store(active)
}

// TasksDone returns the number of successfully answered tasks.
func (s *Session) TasksDone() int {
	return int(s.tasksDone.Load())
}

// Current returns a copy of the in-flight task, if any.
func (s *Session) Current() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Task{}, false
	}
	return *s.current, true
}

// Idle reports whether no task is in flight.
func (s *Session) Idle() bool {
	_, busy := s.Current()
	return !busy
}

// Wait blocks until the in-flight task, if any, has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}
