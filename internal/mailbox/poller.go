package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/snapshot"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const (
	messagesDir = "messages"
	tasksDir    = "tasks"
	errorsDir   = "errors"

	defaultPollInterval = time.Second
)

// Rejection classes. Rejected files move to errors/; anything else is left in
// place and retried on the next scan.
var (
	errUnauthorized = errors.New("unauthorized mailbox action")
	errInvalid      = errors.New("invalid mailbox action")
)

func rejected(err error) bool {
	return errors.Is(err, errUnauthorized) || errors.Is(err, errInvalid)
}

// Store is the subset of the message store the poller needs.
type Store interface {
	TopicByFolder(ctx context.Context, folder string) (*store.Topic, error)
	CreateTask(ctx context.Context, t store.Task) error
	TaskByID(ctx context.Context, id string) (*store.Task, error)
	TasksForFolder(ctx context.Context, folder string) ([]store.Task, error)
	AllTasks(ctx context.Context) ([]store.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	DeleteTask(ctx context.Context, id string) error
}

// Schedule validates schedule expressions and computes first run times.
type Schedule interface {
	Validate(scheduleType, scheduleValue string) error
	FirstRun(scheduleType, scheduleValue string, now time.Time) (*time.Time, error)
}

// Emitter delivers authorized sends to the chat platform.
type Emitter interface {
	EmitMessage(ctx context.Context, chatID, topicID int64, text string) error
	EmitReaction(ctx context.Context, chatID int64, messageID int, emoji string) error
}

// ServiceController receives supervisor lifecycle requests from the main
// workspace. Both calls are asynchronous; the poller finishes the current
// scan before any shutdown takes effect.
type ServiceController interface {
	Restart(reason string)
	Rebuild(reason string)
}

// Options configures a Poller.
type Options struct {
	Root     string // mailbox root, one subdirectory per workspace
	Interval time.Duration
	Store    Store
	Registry *registry.Registry
	Sched    Schedule
	Emitter  Emitter
	Service  ServiceController
}

// Poller scans workspace mailboxes and applies their action files. A
// filesystem watcher shortens the latency when available; the interval tick
// is the correctness guarantee.
type Poller struct {
	root     string
	interval time.Duration
	st       Store
	reg      *registry.Registry
	sched    Schedule
	emitter  Emitter
	svc      ServiceController

	watched map[string]bool
}

// New builds a Poller. Interval defaults to one second.
func New(opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		root:     opts.Root,
		interval: interval,
		st:       opts.Store,
		reg:      opts.Registry,
		sched:    opts.Sched,
		emitter:  opts.Emitter,
		svc:      opts.Service,
		watched:  make(map[string]bool),
	}
}

// Start runs the poll loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	kick := make(chan struct{}, 1)
	watcher := p.startWatcher(ctx, kick)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("mailbox poller started", "root", p.root, "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("mailbox poller stopped")
			return
		case <-ticker.C:
		case <-kick:
		}
		if err := p.Scan(ctx); err != nil {
			slog.Warn("mailbox scan failed", "error", err)
		}
		if watcher != nil {
			p.refreshWatches(watcher)
		}
	}
}

// startWatcher wires the fsnotify fast path. A watcher failure degrades to
// interval polling only.
func (p *Poller) startWatcher(ctx context.Context, kick chan<- struct{}) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("mailbox watcher unavailable, polling only", "error", err)
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					select {
					case kick <- struct{}{}:
					default:
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Debug("mailbox watcher error", "error", werr)
			}
		}
	}()
	p.refreshWatches(watcher)
	return watcher
}

// refreshWatches adds watches for mailbox directories that appeared since the
// last scan. Workspaces are created while the poller runs, so this is
// re-checked after every pass.
func (p *Poller) refreshWatches(watcher *fsnotify.Watcher) {
	add := func(dir string) {
		if p.watched[dir] {
			return
		}
		if _, err := os.Stat(dir); err != nil {
			return
		}
		if err := watcher.Add(dir); err != nil {
			slog.Debug("mailbox watch failed", "dir", dir, "error", err)
			return
		}
		p.watched[dir] = true
	}

	add(p.root)
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		add(filepath.Join(p.root, entry.Name(), messagesDir))
		add(filepath.Join(p.root, entry.Name(), tasksDir))
	}
}

// Scan runs one pass over every workspace mailbox. Files are processed in
// directory-listing order, which the epoch-prefixed names make chronological.
func (p *Poller) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read mailbox root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		folder := entry.Name()
		p.processDir(ctx, folder, filepath.Join(p.root, folder, messagesDir))
		p.processDir(ctx, folder, filepath.Join(p.root, folder, tasksDir))
	}
	return nil
}

func (p *Poller) processDir(ctx context.Context, folder, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		p.processFile(ctx, folder, filepath.Join(dir, entry.Name()))
	}
}

func (p *Poller) processFile(ctx context.Context, folder, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("mailbox file unreadable", "file", path, "error", err)
		return
	}

	act, err := ParseAction(data)
	if err != nil {
		slog.Warn("rejecting mailbox file", "file", path, "folder", folder, "error", err)
		p.quarantine(folder, path)
		return
	}

	if err := p.apply(ctx, folder, act); err != nil {
		if rejected(err) {
			slog.Warn("rejecting mailbox action",
				"file", path, "folder", folder, "type", act.actionType(), "error", err)
			p.quarantine(folder, path)
			return
		}
		slog.Warn("mailbox action failed, will retry",
			"file", path, "folder", folder, "type", act.actionType(), "error", err)
		return
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("mailbox cleanup failed", "file", path, "error", err)
	}
}

// quarantine moves a rejected file into the workspace's errors/ directory so
// the agent can inspect it. If the move fails the file is removed outright to
// keep it from being re-rejected every tick.
func (p *Poller) quarantine(folder, path string) {
	dir := filepath.Join(p.root, folder, errorsDir)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err == nil {
			return
		}
	}
	os.Remove(path)
}

func (p *Poller) apply(ctx context.Context, folder string, act Action) error {
	switch a := act.(type) {
	case MessageAction:
		if err := p.authorizeChat(ctx, folder, a.ChatID); err != nil {
			return err
		}
		slog.Info("delivering agent message", "folder", folder, "chat", a.ChatID, "topic", a.TopicID)
		return p.emitter.EmitMessage(ctx, a.ChatID, a.TopicID, a.Text)

	case ReactionAction:
		if err := p.authorizeChat(ctx, folder, a.ChatID); err != nil {
			return err
		}
		slog.Info("delivering agent reaction", "folder", folder, "chat", a.ChatID, "message", a.MessageID)
		return p.emitter.EmitReaction(ctx, a.ChatID, a.MessageID, a.Emoji)

	case ScheduleTaskAction:
		return p.applySchedule(ctx, folder, a)

	case TaskControlAction:
		return p.applyTaskControl(ctx, folder, a)

	case RegisterChatAction:
		if folder != sessions.MainWorkspace {
			return fmt.Errorf("%w: register_chat from %q", errUnauthorized, folder)
		}
		return p.applyRegister(a)

	case ServiceControlAction:
		if folder != sessions.MainWorkspace {
			return fmt.Errorf("%w: service_control from %q", errUnauthorized, folder)
		}
		slog.Info("service control requested", "action", a.Action)
		if a.Action == ServiceRebuild {
			p.svc.Rebuild("requested via mailbox")
		} else {
			p.svc.Restart("requested via mailbox")
		}
		return nil

	default:
		return fmt.Errorf("%w: unhandled action %T", errInvalid, act)
	}
}

// authorizeChat allows main to reach any chat; any other workspace may only
// reach the registered chat it belongs to.
func (p *Poller) authorizeChat(ctx context.Context, folder string, chatID int64) error {
	if folder == sessions.MainWorkspace {
		return nil
	}
	topic, err := p.st.TopicByFolder(ctx, folder)
	if err != nil {
		return err
	}
	if topic == nil || topic.ChatID != chatID {
		return fmt.Errorf("%w: workspace %q does not own chat %d", errUnauthorized, folder, chatID)
	}
	if !p.reg.IsRegistered(chatID) {
		return fmt.Errorf("%w: chat %d is not registered", errUnauthorized, chatID)
	}
	return nil
}

func (p *Poller) applySchedule(ctx context.Context, folder string, a ScheduleTaskAction) error {
	if err := p.sched.Validate(a.ScheduleType, a.ScheduleValue); err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	mode := a.ContextMode
	switch mode {
	case "":
		mode = store.ContextModeGroup
	case store.ContextModeGroup, store.ContextModeIsolated:
	default:
		return fmt.Errorf("%w: context_mode %q not supported", errInvalid, a.ContextMode)
	}

	target := folder
	chatID, topicID := a.ChatID, a.TopicID
	if folder == sessions.MainWorkspace {
		if a.Folder != "" {
			target = a.Folder
		}
	} else {
		// Non-main workspaces schedule for themselves, bound to their
		// own chat regardless of what the document claims.
		topic, err := p.st.TopicByFolder(ctx, folder)
		if err != nil {
			return err
		}
		if topic == nil {
			return fmt.Errorf("%w: workspace %q has no chat", errInvalid, folder)
		}
		chatID, topicID = topic.ChatID, topic.TopicID
	}

	now := time.Now()
	next, err := p.sched.FirstRun(a.ScheduleType, a.ScheduleValue, now)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}

	task := store.Task{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		TopicID:       topicID,
		Folder:        target,
		Prompt:        a.Prompt,
		ScheduleType:  a.ScheduleType,
		ScheduleValue: a.ScheduleValue,
		ContextMode:   mode,
		NextRun:       next,
		Status:        store.TaskStatusActive,
		CreatedAt:     now,
		CreatedBy:     a.CreatedBy,
	}
	if err := p.st.CreateTask(ctx, task); err != nil {
		return err
	}
	slog.Info("scheduled task created",
		"task", task.ID, "folder", target, "schedule", a.ScheduleType, "value", a.ScheduleValue)
	return p.refreshTaskSnapshots(ctx, folder, target)
}

func (p *Poller) applyTaskControl(ctx context.Context, folder string, a TaskControlAction) error {
	task, err := p.st.TaskByID(ctx, a.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: task %q not found", errInvalid, a.TaskID)
	}
	if folder != sessions.MainWorkspace && task.Folder != folder {
		return fmt.Errorf("%w: task %q belongs to %q", errUnauthorized, a.TaskID, task.Folder)
	}

	switch a.Op {
	case "pause_task":
		err = p.st.UpdateTaskStatus(ctx, task.ID, store.TaskStatusPaused)
	case "resume_task":
		err = p.st.UpdateTaskStatus(ctx, task.ID, store.TaskStatusActive)
	case "cancel_task":
		err = p.st.DeleteTask(ctx, task.ID)
	default:
		return fmt.Errorf("%w: task control %q", errInvalid, a.Op)
	}
	if err != nil {
		return err
	}
	slog.Info("task updated", "task", task.ID, "op", a.Op, "folder", task.Folder)
	return p.refreshTaskSnapshots(ctx, folder, task.Folder)
}

func (p *Poller) applyRegister(a RegisterChatAction) error {
	switch a.TriggerMode {
	case "", registry.TriggerAlways, registry.TriggerMention, registry.TriggerDisabled:
	default:
		return fmt.Errorf("%w: trigger_mode %q not supported", errInvalid, a.TriggerMode)
	}
	err := p.reg.Register(registry.RegisteredChat{
		ChatID:      a.ChatID,
		ChatType:    a.ChatType,
		ChatTitle:   a.ChatTitle,
		TriggerMode: a.TriggerMode,
		AddedBy:     sessions.MainWorkspace,
	})
	if err != nil {
		return err
	}
	slog.Info("chat registered", "chat", a.ChatID, "title", a.ChatTitle, "trigger", a.TriggerMode)
	return nil
}

// refreshTaskSnapshots rewrites current_tasks.json for the workspaces touched
// by a task mutation, so an agent still mid-session sees the change without
// waiting for its next invocation.
func (p *Poller) refreshTaskSnapshots(ctx context.Context, folders ...string) error {
	seen := make(map[string]bool, len(folders))
	for _, folder := range folders {
		if folder == "" || seen[folder] {
			continue
		}
		seen[folder] = true

		var (
			tasks []store.Task
			err   error
		)
		if folder == sessions.MainWorkspace {
			tasks, err = p.st.AllTasks(ctx)
		} else {
			tasks, err = p.st.TasksForFolder(ctx, folder)
		}
		if err != nil {
			return err
		}
		if err := snapshot.WriteTasks(filepath.Join(p.root, folder), tasks); err != nil {
			return err
		}
	}
	return nil
}
