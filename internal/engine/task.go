package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatrelay/chatworker/internal/control"
	"github.com/chatrelay/chatworker/internal/extract"
	"github.com/chatrelay/chatworker/internal/journal"
	"github.com/chatrelay/chatworker/internal/metrics"
	"github.com/chatrelay/chatworker/internal/protocol"
	"github.com/chatrelay/chatworker/internal/site"
	"github.com/chatrelay/chatworker/internal/stabilize"
	"github.com/chatrelay/chatworker/internal/state"
	"github.com/chatrelay/chatworker/internal/telemetry"
	"github.com/chatrelay/chatworker/internal/telemetry/invariants"
)

// ErrAdapterPanic wraps a panic raised while driving the page.
var ErrAdapterPanic = errors.New("adapter panic")

const (
	wireResponseTimeout = "Response timeout"
	wireInputNotFound   = "Input not found"
)

// WireMessage maps a task error to the message sent in a result's error field.
func WireMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, stabilize.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return wireResponseTimeout
	case errors.Is(err, site.ErrInputNotFound):
		return wireInputNotFound
	default:
		return err.Error()
	}
}

// HandleTask starts processing a dispatched prompt and reports whether it was
// accepted. A task that arrives while another is in flight is dropped, never queued.
func (s *Session) HandleTask(ctx context.Context, reply protocol.Sender, taskID, prompt string) bool {
	if reply == nil {
		s.logger.Error("task ignored, no reply channel", "task_id", taskID)
		return false
	}

	s.mu.Lock()
	if s.current != nil {
		currentID := s.current.ID
		s.mu.Unlock()

		invariants.CheckSingleTaskInFlight(ctx, "engine.session.handle_task", currentID, taskID)
		metrics.TasksDropped.Inc()
		s.logger.Warn("task dropped, another task in flight",
			"task_id", taskID,
			"current_task_id", currentID,
		)
		s.observer.OnLog("Already processing, skip", control.SeverityInfo)
		return false
	}
	task := &Task{
		ID:        taskID,
		Prompt:    prompt,
		State:     state.TaskReceived,
		StartedAt: s.now(),
	}
	s.current = task
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.process(ctx, reply, task)
	}()
	return true
}

func (s *Session) process(parent context.Context, reply protocol.Sender, task *Task) {
	defer s.finish(task)

	ctx, cancel := context.WithTimeout(parent, s.hardTimeout)
	defer cancel()
	ctx, span := telemetry.StartTask(ctx, telemetry.TaskRequest{
		TaskID:   task.ID,
		WorkerID: s.workerID,
		Site:     s.adapter.Name(),
		Prompt:   task.Prompt,
	})

	metrics.TaskInFlight.Set(1)
	s.observer.OnStatusChange("Processing...", control.StateBusy)
	s.observer.OnLog(fmt.Sprintf("Processing %s...", control.ShortID(task.ID)), control.SeverityInfo)
	s.logger.Info("task received", "task_id", task.ID, "prompt_chars", len(task.Prompt))
	s.record(ctx, task, "", "")

	result, err := s.execute(ctx, task)
	if err == nil {
		s.complete(ctx, reply, task, result)
		span.End(result.Kind.String(), result.Text, nil)
	} else {
		message := s.fail(ctx, reply, task, err)
		span.RecordError(errorType(err), message)
		span.End(extract.KindNone.String(), "", err)
		s.recover(parent, task)
	}

	elapsed := s.now().Sub(task.StartedAt)
	outcome := metrics.Outcome(err)
	metrics.TasksTotal.WithLabelValues(s.adapter.Name(), outcome).Inc()
	metrics.TaskDuration.WithLabelValues(s.adapter.Name(), outcome).Observe(elapsed.Seconds())
}

// execute runs submission and polling. Panics from the adapter become errors.
func (s *Session) execute(ctx context.Context, task *Task) (result extract.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAdapterPanic, r)
		}
	}()

	if err := s.transition(ctx, task, state.TaskSubmitting, "prompt submission started"); err != nil {
		return extract.Result{}, err
	}
	baseline, err := s.submit(ctx, task)
	if err != nil {
		return extract.Result{}, err
	}

	if err := s.transition(ctx, task, state.TaskPolling, "prompt submitted"); err != nil {
		return extract.Result{}, err
	}
	return s.poll(ctx, baseline)
}

func (s *Session) submit(ctx context.Context, task *Task) (stabilize.Baseline, error) {
	started := s.now()
	baseline, err := s.submitPrompt(ctx, task.Prompt)
	s.recordPhase(ctx, "submit", s.now().Sub(started), err == nil)
	return baseline, err
}

func (s *Session) submitPrompt(ctx context.Context, prompt string) (stabilize.Baseline, error) {
	count, err := s.adapter.ResponseTurnCount(ctx)
	if err != nil {
		return stabilize.Baseline{}, fmt.Errorf("baseline: %w", err)
	}
	text, err := s.adapter.LatestResponseText(ctx)
	if err != nil {
		return stabilize.Baseline{}, fmt.Errorf("baseline: %w", err)
	}
	baseline := stabilize.Baseline{TurnCount: count, Text: text}

	s.observer.OnLog("Sending prompt...", control.SeverityInfo)
	input, err := s.adapter.FindInputArea(ctx)
	if err != nil {
		return baseline, err
	}
	if input == nil {
		return baseline, site.ErrInputNotFound
	}

	if err := s.adapter.Focus(ctx, input); err != nil {
		return baseline, err
	}
	if err := s.sleep(ctx, s.settle.Focus); err != nil {
		return baseline, err
	}
	if err := s.adapter.Submit(ctx, input, prompt); err != nil {
		return baseline, err
	}
	if err := s.sleep(ctx, s.settle.Write); err != nil {
		return baseline, err
	}

	button, err := s.adapter.FindSendButton(ctx)
	if err != nil {
		return baseline, err
	}
	if button != nil {
		s.observer.OnLog("Clicking send button...", control.SeverityInfo)
		err = s.adapter.Click(ctx, button)
	} else {
		s.observer.OnLog("Using Enter key...", control.SeverityInfo)
		err = s.adapter.PressEnter(ctx, input)
	}
	if err != nil {
		return baseline, err
	}
	if err := s.sleep(ctx, s.settle.Submit); err != nil {
		return baseline, err
	}
	return baseline, nil
}

func (s *Session) poll(ctx context.Context, baseline stabilize.Baseline) (extract.Result, error) {
	s.observer.OnLog(fmt.Sprintf("Waiting for %s response...", s.adapter.Name()), control.SeverityInfo)
	started := s.now()
	result, err := s.detector.Wait(ctx, s.adapter, baseline)
	s.recordPhase(ctx, "poll", s.now().Sub(started), err == nil)
	return result, err
}

func (s *Session) complete(ctx context.Context, reply protocol.Sender, task *Task, result extract.Result) {
	if err := s.transition(ctx, task, state.TaskCompleted, "stable response"); err != nil {
		s.logger.Error("record completion", "task_id", task.ID, "error", err)
	}
	s.report(ctx, reply, task, protocol.Success(task.ID, result.Text))
	done := s.tasksDone.Add(1)
	s.record(ctx, task, result.Text, "")

	s.logger.Info("task completed",
		"task_id", task.ID,
		"result_kind", result.Kind.String(),
		"response_chars", len(result.Text),
		"tasks_done", done,
	)
	s.observer.OnTaskCompleted()
	s.observer.OnLog("Done ✓", control.SeveritySuccess)
}

func (s *Session) fail(ctx context.Context, reply protocol.Sender, task *Task, cause error) string {
	message := WireMessage(cause)
	if err := s.transition(ctx, task, state.TaskFailed, message); err != nil {
		s.logger.Error("record failure", "task_id", task.ID, "error", err)
	}
	s.report(ctx, reply, task, protocol.Failure(task.ID, message))
	s.record(ctx, task, "", message)

	s.logger.Error("task failed", "task_id", task.ID, "error", cause)
	s.observer.OnLog("Error: "+message, control.SeverityError)
	if failures, ok := s.observer.(control.FailureObserver); ok {
		failures.OnTaskFailed(task.ID, message)
	}
	return message
}

// recover starts a fresh conversation after a failed task. It is best effort:
// failures are logged and never retried. It still runs when parent was
// cancelled by Stop, bounded only by the recovery timeout.
func (s *Session) recover(parent context.Context, task *Task) {
	taskState := s.taskState(task)
	if !invariants.CheckRecoveryAfterFailureOnly(parent, "engine.session.recover", task.ID, taskState, taskState == state.TaskFailed) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.recoveryTimeout)
	defer cancel()

	s.observer.OnLog("Starting new chat...", control.SeverityInfo)
	started := s.now()
	ready, err := s.startNewChat(ctx)
	elapsed := s.now().Sub(started)
	metrics.PhaseDuration.WithLabelValues("recover").Observe(elapsed.Seconds())

	switch {
	case err != nil:
		metrics.Recoveries.WithLabelValues("error").Inc()
		s.logger.Warn("new chat failed", "task_id", task.ID, "error", err)
		s.observer.OnLog("New chat failed: "+err.Error(), control.SeverityError)
	case !ready:
		metrics.Recoveries.WithLabelValues("input_missing").Inc()
		s.logger.Warn("new chat started but input did not reappear", "task_id", task.ID)
	default:
		metrics.Recoveries.WithLabelValues("ok").Inc()
		s.logger.Info("new chat ready", "task_id", task.ID, "duration_ms", elapsed.Milliseconds())
	}
}

func (s *Session) startNewChat(ctx context.Context) (ready bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAdapterPanic, r)
		}
	}()
	return s.adapter.StartNewChat(ctx)
}

func (s *Session) report(ctx context.Context, reply protocol.Sender, task *Task, frame protocol.Result) {
	invariants.CheckResultExactlyOneField(ctx, "engine.session.report", task.ID, frame.Response != nil, frame.Error != nil)
	if !reply.Send(frame) {
		s.logger.Warn("result dropped, connection not open", "task_id", task.ID)
	}
}

func (s *Session) transition(ctx context.Context, task *Task, to, reason string) error {
	from := s.taskState(task)
	if err := s.machine.Transition(ctx, state.EntityTask, task.ID, from, to, reason); err != nil {
		var persistErr *state.PersistError
		if !errors.As(err, &persistErr) {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		metrics.JournalWriteErrors.WithLabelValues(string(state.EntityTask)).Inc()
		s.logger.Warn("journal transition", "task_id", task.ID, "from", from, "to", to, "error", err)
	}
	s.mu.Lock()
	task.State = to
	s.mu.Unlock()
	return nil
}

func (s *Session) taskState(task *Task) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return task.State
}

func (s *Session) record(ctx context.Context, task *Task, response, message string) {
	if s.recorder == nil {
		return
	}
	entry := journal.Task{
		ID:        task.ID,
		WorkerID:  s.workerID,
		Site:      s.adapter.Name(),
		Prompt:    task.Prompt,
		State:     s.taskState(task),
		Response:  response,
		Error:     message,
		StartedAt: task.StartedAt,
	}
	if state.Terminal(state.EntityTask, entry.State) {
		entry.FinishedAt = s.now()
	}
	// The task context may already be past its deadline when the outcome is written.
	if err := s.recorder.RecordTask(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("journal task", "task_id", task.ID, "error", err)
	}
}

func (s *Session) recordPhase(ctx context.Context, phase string, elapsed time.Duration, ok bool) {
	metrics.PhaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
	telemetry.TaskFromContext(ctx).RecordPhase(phase, elapsed, ok)
}

// finish clears the in-flight slot if it still belongs to task.
func (s *Session) finish(task *Task) {
	s.mu.Lock()
	if s.current == task {
		s.current = nil
	}
	s.mu.Unlock()

	metrics.TaskInFlight.Set(0)
	s.observer.OnStatusChange("Connected", control.StateConnected)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, stabilize.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return "response_timeout"
	case errors.Is(err, site.ErrInputNotFound):
		return "input_not_found"
	case errors.Is(err, ErrAdapterPanic):
		return "adapter_panic"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "adapter_error"
	}
}

// ObservationHook returns a detector hook that counts polls and logs each observation at debug level.
func ObservationHook(siteName string, debug func(msg any, keyvals ...any)) stabilize.ObservationHook {
	return func(o stabilize.Observation) {
		metrics.Polls.WithLabelValues(siteName, metrics.Bool(o.Generating)).Inc()
		if debug == nil {
			return
		}
		debug("observation",
			"generating", o.Generating,
			"responses", o.ResponseCount,
			"text_chars", len(o.RawText),
			"structured", o.Extracted.Structured(),
			"stable_count", o.StableCount,
		)
	}
}
