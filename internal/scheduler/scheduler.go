// Package scheduler drains due tasks from the store through the worker pool.
//
// There is no timer wheel: every tick queries the store for active tasks
// whose next_run has passed, so state survives restarts and tests can drive
// ticks with an explicit clock.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
)

// TaskStore is the slice of the store the scheduler reads and writes.
type TaskStore interface {
	DueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
	TaskByID(ctx context.Context, id string) (*store.Task, error)
	LogRun(ctx context.Context, l store.TaskRunLog) error
	UpdateAfterRun(ctx context.Context, id string, nextRun *time.Time, lastRun time.Time, lastResult string) error
}

// TaskRunner executes one due task and returns the text to record as its
// result. The dispatcher implements this over the worker pool.
type TaskRunner interface {
	RunTask(ctx context.Context, task store.Task) (string, error)
}

// Scheduler ticks on a fixed period and runs whatever is due.
type Scheduler struct {
	tasks  TaskStore
	runner TaskRunner
	tick   time.Duration
	tz     *time.Location
	gron   *gronx.Gronx
}

// New builds a scheduler. A nil tz means the system local zone.
func New(tasks TaskStore, runner TaskRunner, tick time.Duration, tz *time.Location) *Scheduler {
	if tz == nil {
		tz = time.Local
	}
	return &Scheduler{
		tasks:  tasks,
		runner: runner,
		tick:   tick,
		tz:     tz,
		gron:   gronx.New(),
	}
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		slog.Info("scheduler started", "tick", s.tick, "timezone", s.tz.String())
		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.RunTick(ctx, time.Now())
			}
		}
	}()
}

// RunTick executes every task due at now, in next_run order.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) {
	due, err := s.tasks.DueTasks(ctx, now)
	if err != nil {
		slog.Error("scheduler due query failed", "error", err)
		return
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		s.runOne(ctx, t, now)
	}
}

func (s *Scheduler) runOne(ctx context.Context, t store.Task, now time.Time) {
	// Re-read the row: a pause or cancel may have landed since the due
	// query, and the fresh row wins.
	cur, err := s.tasks.TaskByID(ctx, t.ID)
	if err != nil {
		slog.Error("scheduler task re-read failed", "task", t.ID, "error", err)
		return
	}
	if cur == nil || cur.Status != store.TaskStatusActive {
		slog.Debug("skipping task no longer active", "task", t.ID)
		return
	}

	slog.Info("running scheduled task", "task", cur.ID, "folder", cur.Folder,
		"schedule", cur.ScheduleType)
	runCtx, span := tracing.TraceTask(ctx, cur.ID, cur.ScheduleType)
	start := time.Now()
	result, runErr := s.runner.RunTask(runCtx, *cur)
	elapsed := time.Since(start)
	if runErr != nil {
		tracing.RecordOutcome(span, store.RunStatusError, runErr)
	} else {
		tracing.RecordOutcome(span, store.RunStatusSuccess, nil)
	}
	span.End()

	// The follow-up occurrence is computed from the completion instant, not
	// the tick start: a run that spans a cron occurrence must not leave a
	// next_run in the past and fire again on the very next tick.
	completed := now.Add(elapsed)
	next, nextErr := s.NextRun(cur.ScheduleType, cur.ScheduleValue, completed)
	if nextErr != nil {
		slog.Error("cannot compute next run, task will not reschedule",
			"task", cur.ID, "error", nextErr)
		next = nil
	}

	entry := store.TaskRunLog{
		TaskID:     cur.ID,
		RunAt:      now,
		DurationMS: elapsed.Milliseconds(),
	}
	lastResult := result
	if runErr != nil {
		entry.Status = store.RunStatusError
		entry.Error = runErr.Error()
		lastResult = "Error: " + runErr.Error()
		slog.Warn("scheduled task failed", "task", cur.ID, "error", runErr)
	} else {
		entry.Status = store.RunStatusSuccess
		entry.Result = result
	}

	if err := s.tasks.LogRun(ctx, entry); err != nil {
		slog.Error("scheduler run log write failed", "task", cur.ID, "error", err)
	}
	if err := s.tasks.UpdateAfterRun(ctx, cur.ID, next, now, lastResult); err != nil {
		slog.Error("scheduler task update failed", "task", cur.ID, "error", err)
	}
}

// NextRun computes the follow-up run after an execution at from. Once tasks
// return nil; the store then transitions them to completed.
func (s *Scheduler) NextRun(scheduleType, scheduleValue string, from time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(scheduleValue, from.In(s.tz), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", scheduleValue, err)
		}
		return &next, nil
	case store.ScheduleInterval:
		ms, err := parseIntervalMS(scheduleValue)
		if err != nil {
			return nil, err
		}
		next := from.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// FirstRun computes the initial next_run for a task being created. For once
// tasks the schedule value itself carries the run time.
func (s *Scheduler) FirstRun(scheduleType, scheduleValue string, now time.Time) (*time.Time, error) {
	if scheduleType == store.ScheduleOnce {
		at, err := s.parseOnce(scheduleValue)
		if err != nil {
			return nil, err
		}
		return &at, nil
	}
	return s.NextRun(scheduleType, scheduleValue, now)
}

// Validate rejects malformed schedules before a task row is ever created.
func (s *Scheduler) Validate(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if !s.gron.IsValid(scheduleValue) {
			return fmt.Errorf("invalid cron expression %q", scheduleValue)
		}
		return nil
	case store.ScheduleInterval:
		_, err := parseIntervalMS(scheduleValue)
		return err
	case store.ScheduleOnce:
		_, err := s.parseOnce(scheduleValue)
		return err
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// onceLayouts are the accepted forms of a one-shot run time, interpreted in
// the scheduler's timezone unless the value carries its own zone.
var onceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

func (s *Scheduler) parseOnce(value string) (time.Time, error) {
	for _, layout := range onceLayouts {
		if at, err := time.ParseInLocation(layout, value, s.tz); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable run time %q", value)
}

func parseIntervalMS(value string) (int64, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("interval %q: want positive integer milliseconds", value)
	}
	return ms, nil
}
