package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the small per-workspace runtime state that must survive a
// supervisor restart: the worker session token for each folder and the
// timestamp of the last successful agent reply. It lives in one JSON
// file rewritten atomically on every mutation.
type State struct {
	path string

	mu   sync.Mutex
	data stateFile
}

type stateFile struct {
	Sessions           map[string]string `json:"sessions"`
	LastAgentTimestamp map[string]string `json:"last_agent_timestamp"`
}

// LoadState reads the state file at path. A missing file yields empty
// state; a corrupt one is an error so the operator can decide, rather
// than silently forgetting every session.
func LoadState(path string) (*State, error) {
	s := &State{
		path: path,
		data: stateFile{
			Sessions:           make(map[string]string),
			LastAgentTimestamp: make(map[string]string),
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]string)
	}
	if s.data.LastAgentTimestamp == nil {
		s.data.LastAgentTimestamp = make(map[string]string)
	}
	return s, nil
}

// Session returns the stored worker session token for folder, or empty.
func (s *State) Session(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Sessions[folder]
}

// SetSession stores the worker session token for folder and persists.
func (s *State) SetSession(folder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[folder] = sessionID
	return s.save()
}

// LastAgent returns the last successful reply instant for folder, zero
// when the workspace has never replied.
func (s *State) LastAgent(folder string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.data.LastAgentTimestamp[folder]
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetLastAgent advances the last-reply instant for folder and persists.
func (s *State) SetLastAgent(folder string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastAgentTimestamp[folder] = t.UTC().Format(time.RFC3339Nano)
	return s.save()
}

// Sessions returns a copy of the folder→session map.
func (s *State) Sessions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data.Sessions))
	for k, v := range s.data.Sessions {
		out[k] = v
	}
	return out
}

// save writes the file atomically. Caller holds mu.
func (s *State) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
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
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	cleanup = false
	return nil
}
