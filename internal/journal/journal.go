// Package journal provides the SQLite-backed task journal.
//
// Every dispatched task gets one row that follows it through its lifecycle,
// plus an append-only list of state transition events. The journal backs the
// tasks-done counter across restarts and lets startup recovery find tasks that
// were in flight when the process died.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chatrelay/chatworker/internal/state"
)

// StateAbandoned marks a task that was in flight when the worker stopped.
const StateAbandoned = "abandoned"

const taskStateKey = "task_state"

// Task is one journaled task.
type Task struct {
	ID         string
	WorkerID   string
	Site       string
	Prompt     string
	State      string
	Response   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	return t.State == StateAbandoned || state.Terminal(state.EntityTask, t.State)
}

// Event is one recorded transition or note for an entity.
type Event struct {
	ID       string
	EntityID string
	Body     string
	At       time.Time
}

// Store provides access to the journal database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the journal at path and runs migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		site TEXT NOT NULL,
		prompt TEXT NOT NULL,
		state TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS entity_state (
		entity_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (entity_id, key)
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE INDEX IF NOT EXISTS idx_tasks_started_at ON tasks(started_at);
	CREATE INDEX IF NOT EXISTS idx_events_entity_id ON events(entity_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordTask inserts the task or updates its mutable fields.
func (s *Store) RecordTask(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return errors.New("task id is required")
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = s.now()
	}
	var finished sql.NullTime
	if !task.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: task.FinishedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, worker_id, site, prompt, state, response, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			response = excluded.response,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		task.ID, task.WorkerID, task.Site, task.Prompt, task.State,
		task.Response, task.Error, task.StartedAt.UTC(), finished,
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", task.ID, err)
	}
	return nil
}

// Task returns one task, or nil when it does not exist.
func (s *Store) Task(ctx context.Context, id string) (*Task, error) {
	rows, err := s.queryTasks(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Recent returns up to limit tasks, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTasks(ctx, `ORDER BY started_at DESC LIMIT ?`, limit)
}

// Orphans returns tasks that never reached a terminal state, oldest first.
func (s *Store) Orphans(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx,
		`WHERE state NOT IN (?, ?, ?) ORDER BY started_at ASC`,
		state.TaskCompleted, state.TaskFailed, StateAbandoned,
	)
}

// MarkAbandoned closes an orphaned task with reason.
func (s *Store) MarkAbandoned(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		StateAbandoned, reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark task %s abandoned: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("mark task %s abandoned: not found", id)
	}
	return s.AppendEvent(id, fmt.Sprintf("abandoned reason=%q", reason))
}

// CompletedCount returns the number of tasks answered successfully.
func (s *Store) CompletedCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE state = ?`, state.TaskCompleted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completed tasks: %w", err)
	}
	return count, nil
}

// SetState stores one state dimension for an entity. Task state also updates the task row.
func (s *Store) SetState(id, key, value string) error {
	ctx := context.Background()
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_state (entity_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		id, key, value, now,
	)
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", key, id, err)
	}
	if key != taskStateKey {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET state = ? WHERE id = ?`, value, id); err != nil {
		return fmt.Errorf("update task %s state: %w", id, err)
	}
	return nil
}

// State returns the stored value of one state dimension, or "" when unset.
func (s *Store) State(ctx context.Context, id, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM entity_state WHERE entity_id = ? AND key = ?`, id, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s for %s: %w", key, id, err)
	}
	return value, nil
}

// AppendEvent records an event line for an entity.
func (s *Store) AppendEvent(id, event string) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO events (id, entity_id, body, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), id, event, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append event for %s: %w", id, err)
	}
	return nil
}

// Events returns the events recorded for an entity, oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, body, created_at FROM events WHERE entity_id = ? ORDER BY created_at ASC, rowid ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.EntityID, &event.Body, &event.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, clause string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker_id, site, prompt, state, response, error, started_at, finished_at FROM tasks `+clause,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			task     Task
			finished sql.NullTime
		)
		if err := rows.Scan(
			&task.ID, &task.WorkerID, &task.Site, &task.Prompt, &task.State,
			&task.Response, &task.Error, &task.StartedAt, &finished,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if finished.Valid {
			task.FinishedAt = finished.Time
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

var _ state.Persister = (*Store)(nil)
