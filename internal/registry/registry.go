// Package registry tracks which chats the supervisor is allowed to
// serve. The set lives in one JSON array file, loaded at startup and
// rewritten atomically on every mutation; messages from chats outside
// it are dropped before any other processing.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Trigger modes.
const (
	TriggerAlways   = "always"
	TriggerMention  = "mention"
	TriggerDisabled = "disabled"
)

// MountRequest is one extra host directory a chat's agent wants
// mounted. The mount planner validates each request against the host
// allowlist before honoring it.
type MountRequest struct {
	HostPath     string `json:"host_path"`
	ContainerSub string `json:"container_sub,omitempty"` // subdir under /workspace/extra
	ReadOnly     bool   `json:"read_only,omitempty"`
}

// ContainerOverrides are per-chat adjustments to the worker container.
type ContainerOverrides struct {
	AdditionalMounts []MountRequest    `json:"additional_mounts,omitempty"`
	TimeoutSecs      int               `json:"timeout_secs,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// RegisteredChat is one entry in the registry file.
type RegisteredChat struct {
	ChatID         int64               `json:"chat_id"`
	ChatType       string              `json:"chat_type,omitempty"`
	ChatTitle      string              `json:"chat_title,omitempty"`
	TriggerMode    string              `json:"trigger_mode"`
	MentionPattern string              `json:"mention_pattern,omitempty"`
	AddedAt        time.Time           `json:"added_at"`
	AddedBy        string              `json:"added_by,omitempty"`
	Container      *ContainerOverrides `json:"container,omitempty"`
}

// Registry is the in-memory view of the file, safe for concurrent use.
type Registry struct {
	path string

	mu    sync.RWMutex
	chats map[int64]RegisteredChat
}

// Load reads the registry file at path. Missing file means an empty
// registry; malformed content is an error.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, chats: make(map[int64]RegisteredChat)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var list []RegisteredChat
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	for _, rc := range list {
		r.chats[rc.ChatID] = rc
	}
	return r, nil
}

// IsRegistered reports whether chatID may be dispatched.
func (r *Registry) IsRegistered(chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chats[chatID]
	return ok
}

// Get returns a copy of the entry, or nil when unregistered.
func (r *Registry) Get(chatID int64) *RegisteredChat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.chats[chatID]
	if !ok {
		return nil
	}
	return &rc
}

// List returns all entries ordered by chat id.
func (r *Registry) List() []RegisteredChat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredChat, 0, len(r.chats))
	for _, rc := range r.chats {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// Len reports the number of registered chats.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}

// Register adds or replaces an entry and persists. An empty trigger
// mode defaults to mention; a zero AddedAt is stamped now.
func (r *Registry) Register(rc RegisteredChat) error {
	if rc.TriggerMode == "" {
		rc.TriggerMode = TriggerMention
	}
	if rc.AddedAt.IsZero() {
		rc.AddedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats[rc.ChatID] = rc
	return r.save()
}

// Update replaces an existing entry, failing when the chat is unknown.
func (r *Registry) Update(rc RegisteredChat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chats[rc.ChatID]; !ok {
		return fmt.Errorf("chat %d is not registered", rc.ChatID)
	}
	r.chats[rc.ChatID] = rc
	return r.save()
}

// Unregister removes an entry; removing an unknown chat is a no-op.
func (r *Registry) Unregister(chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chats[chatID]; !ok {
		return nil
	}
	delete(r.chats, chatID)
	return r.save()
}

// save rewrites the file atomically. Caller holds mu.
func (r *Registry) save() error {
	list := make([]RegisteredChat, 0, len(r.chats))
	for _, rc := range r.chats {
		list = append(list, rc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ChatID < list[j].ChatID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("rename registry: %w", err)
	}
	cleanup = false
	return nil
}
