package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// fakeTaskStore mirrors the store's task semantics in memory, including the
// completed-iff-no-next-run transition.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
	logs  []store.TaskRunLog

	rereadOverride func(id string) *store.Task
}

func newFakeTaskStore(tasks ...store.Task) *fakeTaskStore {
	f := &fakeTaskStore{tasks: make(map[string]*store.Task)}
	for i := range tasks {
		t := tasks[i]
		f.tasks[t.ID] = &t
	}
	return f
}

func (f *fakeTaskStore) DueTasks(_ context.Context, now time.Time) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []store.Task
	for _, t := range f.tasks {
		if t.Status == store.TaskStatusActive && t.NextRun != nil && !t.NextRun.After(now) {
			due = append(due, *t)
		}
	}
	return due, nil
}

func (f *fakeTaskStore) TaskByID(_ context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rereadOverride != nil {
		return f.rereadOverride(id), nil
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) LogRun(_ context.Context, l store.TaskRunLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeTaskStore) UpdateAfterRun(_ context.Context, id string, nextRun *time.Time, lastRun time.Time, lastResult string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("no task %s", id)
	}
	t.NextRun = nextRun
	t.LastRun = &lastRun
	t.LastResult = lastResult
	if nextRun == nil {
		t.Status = store.TaskStatusCompleted
	}
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	ran    []string
	result string
	err    error
	delay  time.Duration
}

func (f *fakeRunner) RunTask(_ context.Context, task store.Task) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, task.ID)
	return f.result, f.err
}

func (f *fakeRunner) runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func past(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func TestNextRunCronInTimezone(t *testing.T) {
	sg, err := time.LoadLocation("Asia/Singapore")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := New(nil, nil, time.Minute, sg)

	// 23:00 UTC on Mar 1 is already 07:00 Mar 2 in Singapore, so the next
	// 08:00 run lands an hour later: 00:00 UTC Mar 2.
	from := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	next, err := s.NextRun(store.ScheduleCron, "0 8 * * *", from)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	got := next.UTC()
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestNextRunInterval(t *testing.T) {
	s := New(nil, nil, time.Minute, time.UTC)
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := s.NextRun(store.ScheduleInterval, "300000", from)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if want := from.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunOnceIsNil(t *testing.T) {
	s := New(nil, nil, time.Minute, time.UTC)
	next, err := s.NextRun(store.ScheduleOnce, "whatever", time.Now())
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if next != nil {
		t.Errorf("next = %v, want nil for once", next)
	}
}

func TestFirstRunOnceLayouts(t *testing.T) {
	s := New(nil, nil, time.Minute, time.UTC)
	tests := []struct {
		value   string
		wantErr bool
	}{
		{"2026-03-01T08:00:00", false},
		{"2026-03-01 08:00", false},
		{"2026-03-01T08:00:00Z", false},
		{"2026-03-01T08:00:00+08:00", false},
		{"tomorrow", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			at, err := s.FirstRun(store.ScheduleOnce, tt.value, time.Now())
			if tt.wantErr {
				if err == nil {
					t.Errorf("FirstRun(%q) expected error", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("FirstRun(%q) error = %v", tt.value, err)
			}
			if at == nil || at.IsZero() {
				t.Errorf("FirstRun(%q) = %v", tt.value, at)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	s := New(nil, nil, time.Minute, time.UTC)
	tests := []struct {
		scheduleType  string
		scheduleValue string
		wantErr       bool
	}{
		{store.ScheduleCron, "0 8 * * *", false},
		{store.ScheduleCron, "*/5 * * * *", false},
		{store.ScheduleCron, "not cron", true},
		{store.ScheduleInterval, "60000", false},
		{store.ScheduleInterval, "0", true},
		{store.ScheduleInterval, "-5", true},
		{store.ScheduleInterval, "soon", true},
		{store.ScheduleOnce, "2026-03-01 08:00", false},
		{store.ScheduleOnce, "never", true},
		{"hourly", "1", true},
	}
	for _, tt := range tests {
		t.Run(tt.scheduleType+"/"+tt.scheduleValue, func(t *testing.T) {
			err := s.Validate(tt.scheduleType, tt.scheduleValue)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunTickExecutesDueTask(t *testing.T) {
	ts := newFakeTaskStore(store.Task{
		ID:            "t1",
		Folder:        "team",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
		Status:        store.TaskStatusActive,
		NextRun:       past(time.Minute),
	})
	runner := &fakeRunner{result: "done"}
	s := New(ts, runner, time.Minute, time.UTC)

	now := time.Now()
	s.RunTick(context.Background(), now)

	if got := runner.runs(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("runs = %v, want [t1]", got)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.logs) != 1 || ts.logs[0].Status != store.RunStatusSuccess || ts.logs[0].Result != "done" {
		t.Errorf("logs = %+v", ts.logs)
	}
	cur := ts.tasks["t1"]
	if cur.Status != store.TaskStatusActive {
		t.Errorf("status = %q, want still active", cur.Status)
	}
	// The interval counts from the run's completion, so the floor is
	// now + interval and anything much past that means the elapsed time
	// was miscounted.
	if cur.NextRun == nil || cur.NextRun.Before(now.Add(time.Minute)) ||
		cur.NextRun.After(now.Add(time.Minute+10*time.Second)) {
		t.Errorf("next run = %v, want ~%v", cur.NextRun, now.Add(time.Minute))
	}
	if cur.LastResult != "done" {
		t.Errorf("last result = %q", cur.LastResult)
	}
}

func TestRunTickSkipsTaskPausedAfterDueQuery(t *testing.T) {
	ts := newFakeTaskStore(store.Task{
		ID:            "t1",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
		Status:        store.TaskStatusActive,
		NextRun:       past(time.Minute),
	})
	// The re-read sees the pause that landed between query and execution.
	ts.rereadOverride = func(id string) *store.Task {
		cp := *ts.tasks[id]
		cp.Status = store.TaskStatusPaused
		return &cp
	}
	runner := &fakeRunner{result: "nope"}
	s := New(ts, runner, time.Minute, time.UTC)

	s.RunTick(context.Background(), time.Now())
	if got := runner.runs(); len(got) != 0 {
		t.Errorf("runs = %v, want none", got)
	}
}

func TestRunTickOnceTaskCompletes(t *testing.T) {
	ts := newFakeTaskStore(store.Task{
		ID:            "t1",
		ScheduleType:  store.ScheduleOnce,
		ScheduleValue: "2026-01-01T00:00:00",
		Status:        store.TaskStatusActive,
		NextRun:       past(time.Hour),
	})
	runner := &fakeRunner{result: "ran once"}
	s := New(ts, runner, time.Minute, time.UTC)

	s.RunTick(context.Background(), time.Now())

	ts.mu.Lock()
	cur := *ts.tasks["t1"]
	ts.mu.Unlock()
	if cur.Status != store.TaskStatusCompleted {
		t.Errorf("status = %q, want completed", cur.Status)
	}
	if cur.NextRun != nil {
		t.Errorf("next run = %v, want nil", cur.NextRun)
	}

	// nothing left to run
	s.RunTick(context.Background(), time.Now())
	if got := runner.runs(); len(got) != 1 {
		t.Errorf("runs = %v, want exactly one", got)
	}
}

func TestRunTickOnceCompletesEvenOnFailure(t *testing.T) {
	ts := newFakeTaskStore(store.Task{
		ID:            "t1",
		ScheduleType:  store.ScheduleOnce,
		ScheduleValue: "2026-01-01T00:00:00",
		Status:        store.TaskStatusActive,
		NextRun:       past(time.Hour),
	})
	runner := &fakeRunner{err: fmt.Errorf("worker blew up")}
	s := New(ts, runner, time.Minute, time.UTC)

	s.RunTick(context.Background(), time.Now())

	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur := ts.tasks["t1"]
	if cur.Status != store.TaskStatusCompleted {
		t.Errorf("status = %q, want completed despite failure", cur.Status)
	}
	if !strings.HasPrefix(cur.LastResult, "Error: ") {
		t.Errorf("last result = %q, want Error prefix", cur.LastResult)
	}
	if len(ts.logs) != 1 || ts.logs[0].Status != store.RunStatusError {
		t.Errorf("logs = %+v", ts.logs)
	}
}

func TestRunTickCronNextRunFollowsCompletion(t *testing.T) {
	// The tick lands one second before a minutely occurrence and the run
	// takes 1.5s, so the run spans 00:01:00. The rescheduled next_run must
	// be the first occurrence after completion (00:02:00), not the one the
	// run straddled, or the task would fire again on the very next tick.
	now := time.Date(2026, 1, 1, 0, 0, 59, 0, time.UTC)
	ts := newFakeTaskStore(store.Task{
		ID:            "t1",
		ScheduleType:  store.ScheduleCron,
		ScheduleValue: "* * * * *",
		Status:        store.TaskStatusActive,
		NextRun:       &now,
	})
	runner := &fakeRunner{result: "slow", delay: 1500 * time.Millisecond}
	s := New(ts, runner, time.Minute, time.UTC)

	s.RunTick(context.Background(), now)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur := ts.tasks["t1"]
	if cur.NextRun == nil {
		t.Fatal("next run = nil, want rescheduled")
	}
	completionFloor := now.Add(runner.delay)
	if !cur.NextRun.After(completionFloor) {
		t.Errorf("next run = %v, not after completion %v", cur.NextRun, completionFloor)
	}
	if want := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC); !cur.NextRun.UTC().Equal(want) {
		t.Errorf("next run = %v, want %v", cur.NextRun.UTC(), want)
	}
}

func TestRunTickRecurringSurvivesFailure(t *testing.T) {
	ts := newFakeTaskStore(store.Task{
		ID:            "t1",
		ScheduleType:  store.ScheduleCron,
		ScheduleValue: "0 8 * * *",
		Status:        store.TaskStatusActive,
		NextRun:       past(time.Minute),
	})
	runner := &fakeRunner{err: fmt.Errorf("transient")}
	s := New(ts, runner, time.Minute, time.UTC)

	s.RunTick(context.Background(), time.Now())

	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur := ts.tasks["t1"]
	if cur.Status != store.TaskStatusActive {
		t.Errorf("status = %q, want active after failed run", cur.Status)
	}
	if cur.NextRun == nil || !cur.NextRun.After(time.Now()) {
		t.Errorf("next run = %v, want future", cur.NextRun)
	}
}
