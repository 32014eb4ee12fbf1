package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Task statuses.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes: group reuses the workspace's worker session, isolated
// starts fresh every run.
const (
	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"
)

// Run log statuses.
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// maxLastResult bounds the summary kept on the task row; full output
// lives in the run log.
const maxLastResult = 200

// Task is a scheduled agent prompt owned by one workspace folder.
type Task struct {
	ID            string
	ChatID        int64
	TopicID       int64
	Folder        string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        string
	CreatedAt     time.Time
	CreatedBy     string
}

// TaskRunLog is one append-only execution record.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	RunAt      time.Time
	DurationMS int64
	Status     string
	Result     string
	Error      string
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, chat_id, topic_id, folder, prompt, schedule_type, schedule_value,
			 context_mode, next_run, last_run, last_result, status, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChatID, t.TopicID, t.Folder, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullTime(t.NextRun), nullTime(t.LastRun),
		nullString(t.LastResult), t.Status, FormatTime(t.CreatedAt), t.CreatedBy)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// TaskByID returns the task or nil when absent.
func (s *Store) TaskByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task by id %s: %w", id, err)
	}
	return t, nil
}

// TasksForFolder lists one workspace's tasks, newest first.
func (s *Store) TasksForFolder(ctx context.Context, folder string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE folder = ? ORDER BY created_at DESC`, folder)
	if err != nil {
		return nil, fmt.Errorf("tasks for folder %q: %w", folder, err)
	}
	return collectTasks(rows)
}

// AllTasks lists every task, newest first.
func (s *Store) AllTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("all tasks: %w", err)
	}
	return collectTasks(rows)
}

// DueTasks returns active tasks whose next_run is at or before now,
// soonest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return collectTasks(rows)
}

// UpdateTaskStatus sets only the status column.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	return nil
}

// UpdateTaskNextRun sets next_run; nil clears it.
func (s *Store) UpdateTaskNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, nullTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("update task %s next_run: %w", id, err)
	}
	return nil
}

// UpdateAfterRun records the outcome of one execution: last_run,
// a truncated last_result, the recomputed next_run, and the transition
// to completed when no further run is scheduled.
func (s *Store) UpdateAfterRun(ctx context.Context, id string, nextRun *time.Time, lastRun time.Time, lastResult string) error {
	next := nullTime(nextRun)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?,
		    status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
		WHERE id = ?`,
		next, FormatTime(lastRun), truncateResult(lastResult), next, id)
	if err != nil {
		return fmt.Errorf("update task %s after run: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task and its run logs.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s logs: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// LogRun appends one execution record.
func (s *Store) LogRun(ctx context.Context, l TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, FormatTime(l.RunAt), l.DurationMS, l.Status,
		nullString(l.Result), nullString(l.Error))
	if err != nil {
		return fmt.Errorf("log run for task %s: %w", l.TaskID, err)
	}
	return nil
}

// RunLogs lists a task's most recent executions, newest first.
func (s *Store) RunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs WHERE task_id = ?
		ORDER BY run_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("run logs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var runAt string
		var result, errText sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &runAt, &l.DurationMS, &l.Status, &result, &errText); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		l.RunAt = parseStoredTime(runAt)
		l.Result = result.String
		l.Error = errText.String
		out = append(out, l)
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, chat_id, topic_id, folder, prompt, schedule_type, schedule_value,
	       context_mode, next_run, last_run, last_result, status, created_at, created_by
	FROM scheduled_tasks`

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var nextRun, lastRun, lastResult sql.NullString
	var createdAt string
	if err := r.Scan(&t.ID, &t.ChatID, &t.TopicID, &t.Folder, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode,
		&nextRun, &lastRun, &lastResult, &t.Status, &createdAt, &t.CreatedBy); err != nil {
		return nil, err
	}
	t.NextRun = parseNullTime(nextRun)
	t.LastRun = parseNullTime(lastRun)
	t.LastResult = lastResult.String
	t.CreatedAt = parseStoredTime(createdAt)
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseStoredTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func truncateResult(s string) string {
	runes := []rune(s)
	if len(runes) <= maxLastResult {
		return s
	}
	return string(runes[:maxLastResult])
}
