package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/snapshot"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// buildJob prepares the workspace on disk and assembles the pool job:
// directories, the filtered credential env file, the mount plan, and any
// per-chat container overrides.
func (d *Dispatcher) buildJob(r promptRun) (sandbox.Job, error) {
	folder := r.Folder
	for _, dir := range []string{
		d.cfg.GroupDir(folder),
		d.cfg.ClaudeDir(folder),
		filepath.Join(d.cfg.MailboxDir(folder), "messages"),
		filepath.Join(d.cfg.MailboxDir(folder), "tasks"),
		filepath.Join(d.cfg.MailboxDir(folder), "errors"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sandbox.Job{}, fmt.Errorf("prepare workspace %s: %w", folder, err)
		}
	}

	envFile := ""
	envPath := d.cfg.EnvFilePath(folder)
	ok, err := sandbox.WriteEnvFile(envPath, os.Environ())
	if err != nil {
		slog.Warn("env file write failed", "folder", folder, "error", err)
	} else if ok {
		envFile = envPath
	}

	rc := d.reg.Get(r.ChatID)
	var extra []registry.MountRequest
	env := make(map[string]string)
	timeout := d.cfg.RunTimeout()
	if rc != nil && rc.Container != nil {
		extra = rc.Container.AdditionalMounts
		for k, v := range rc.Container.Env {
			env[k] = v
		}
		if rc.Container.TimeoutSecs > 0 {
			timeout = time.Duration(rc.Container.TimeoutSecs) * time.Second
		}
	}

	mounts, dropped := sandbox.PlanMounts(sandbox.PlanInput{
		Folder:      folder,
		IsMain:      r.IsMain,
		ChatType:    r.ChatType,
		ProjectRoot: d.cfg.ResolvedProjectRoot(),
		GroupsRoot:  d.cfg.DataPath("groups"),
		ClaudeDir:   d.cfg.ClaudeDir(folder),
		MailboxDir:  d.cfg.MailboxDir(folder),
		EnvFile:     envFile,
		Extra:       extra,
		Allowlist:   d.allow,
	})
	for _, drop := range dropped {
		slog.Warn("refusing additional mount",
			"folder", folder, "path", drop.Request.HostPath, "reason", drop.Reason)
	}

	channel := r.Channel
	if channel == "" {
		channel = defaultChannel
	}
	return sandbox.Job{
		Folder:          folder,
		Prompt:          r.Prompt,
		SessionID:       r.SessionID,
		SessionKey:      sessions.BuildSessionKey(channel, r.ChatID, r.TopicID),
		IsMain:          r.IsMain,
		IsScheduledTask: r.Scheduled,
		ChatType:        r.ChatType,
		Mounts:          mounts,
		Env:             env,
		Timeout:         timeout,
	}, nil
}

// writeSnapshots refreshes the worker-facing context files. Main sees every
// task and the whole chat registry; other workspaces see their own tasks
// and no chats.
func (d *Dispatcher) writeSnapshots(ctx context.Context, folder string, isMain bool) error {
	dir := d.cfg.MailboxDir(folder)

	var (
		tasks []store.Task
		err   error
	)
	if isMain {
		tasks, err = d.st.AllTasks(ctx)
	} else {
		tasks, err = d.st.TasksForFolder(ctx, folder)
	}
	if err != nil {
		return err
	}
	if err := snapshot.WriteTasks(dir, tasks); err != nil {
		return err
	}

	var chats []store.Chat
	var lastSync time.Time
	if isMain {
		for _, rc := range d.reg.List() {
			chats = append(chats, store.Chat{
				ChatID:   rc.ChatID,
				ChatType: rc.ChatType,
				Title:    rc.ChatTitle,
			})
		}
		if raw, serr := d.st.GetSyncState(ctx, store.SyncKeyLastChatSync); serr == nil && raw != "" {
			if ts, perr := store.ParseTime(raw); perr == nil {
				lastSync = ts
			}
		}
	}
	return snapshot.WriteChats(dir, chats, lastSync)
}

// EmitMessage delivers a mailbox-originated send with the assistant prefix.
func (d *Dispatcher) EmitMessage(_ context.Context, chatID, topicID int64, text string) error {
	d.send(defaultChannel, chatID, topicID, text, 0)
	return nil
}

// EmitReaction delivers a mailbox-originated reaction.
func (d *Dispatcher) EmitReaction(_ context.Context, chatID int64, messageID int, emoji string) error {
	d.bus.PublishReaction(bus.OutboundReaction{
		Channel:   defaultChannel,
		ChatID:    chatID,
		MessageID: messageID,
		Emoji:     emoji,
	})
	return nil
}
