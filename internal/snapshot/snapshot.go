// Package snapshot writes the worker-visible JSON views into a workspace's
// mailbox directory: the workspace's scheduled tasks and the chat roster.
// Workers read these through the /workspace/ipc mount; the supervisor
// rewrites them whenever the underlying state changes.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const (
	tasksFile = "current_tasks.json"
	chatsFile = "available_chats.json"
)

// TaskEntry is the worker-visible form of one scheduled task.
type TaskEntry struct {
	ID            string `json:"id"`
	Folder        string `json:"folder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	Status        string `json:"status"`
	NextRun       string `json:"nextRun,omitempty"`
}

// ChatEntry is the worker-visible form of one known chat.
type ChatEntry struct {
	ChatID   int64  `json:"chatId"`
	Title    string `json:"title"`
	ChatType string `json:"chatType"`
}

type chatsPayload struct {
	Chats    []ChatEntry `json:"chats"`
	LastSync string      `json:"lastSync"`
}

// WriteTasks replaces dir/current_tasks.json with the given tasks.
func WriteTasks(dir string, tasks []store.Task) error {
	entries := make([]TaskEntry, 0, len(tasks))
	for _, t := range tasks {
		e := TaskEntry{
			ID:            t.ID,
			Folder:        t.Folder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
		}
		if t.NextRun != nil {
			e.NextRun = store.FormatTime(*t.NextRun)
		}
		entries = append(entries, e)
	}
	return writeJSON(filepath.Join(dir, tasksFile), entries)
}

// WriteChats replaces dir/available_chats.json with the chat roster.
func WriteChats(dir string, chats []store.Chat, lastSync time.Time) error {
	payload := chatsPayload{Chats: make([]ChatEntry, 0, len(chats))}
	for _, c := range chats {
		payload.Chats = append(payload.Chats, ChatEntry{
			ChatID:   c.ChatID,
			Title:    c.Title,
			ChatType: c.ChatType,
		})
	}
	if !lastSync.IsZero() {
		payload.LastSync = store.FormatTime(lastSync)
	}
	return writeJSON(filepath.Join(dir, chatsFile), payload)
}

// writeJSON lands the document atomically so a worker never reads a partial
// snapshot.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	cleanup = false
	return nil
}
