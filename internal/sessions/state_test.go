package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateMissingFile(t *testing.T) {
	s, err := LoadState(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Session("family-chat"); got != "" {
		t.Errorf("fresh state session = %q, want empty", got)
	}
	if !s.LastAgent("family-chat").IsZero() {
		t.Error("fresh state LastAgent should be zero")
	}
}

func TestStateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(path); err == nil {
		t.Fatal("corrupt state file must fail loudly, not reset sessions")
	}
}

func TestStatePersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession("family-chat", "sess-abc"); err != nil {
		t.Fatal(err)
	}
	stamp := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	if err := s.SetLastAgent("family-chat", stamp); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Session("family-chat"); got != "sess-abc" {
		t.Errorf("session = %q, want sess-abc", got)
	}
	if got := reloaded.LastAgent("family-chat"); !got.Equal(stamp) {
		t.Errorf("LastAgent = %v, want %v", got, stamp)
	}
}

func TestStateOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetSession("main", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession("main", "s2"); err != nil {
		t.Fatal(err)
	}
	if got := s.Session("main"); got != "s2" {
		t.Errorf("session = %q, want s2", got)
	}

	all := s.Sessions()
	if len(all) != 1 || all["main"] != "s2" {
		t.Errorf("Sessions() = %+v", all)
	}
	// The copy must not alias internal state.
	all["main"] = "tampered"
	if got := s.Session("main"); got != "s2" {
		t.Errorf("Sessions() copy aliases state: %q", got)
	}
}

func TestStateNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.SetSession("main", "s"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Errorf("leftover file %q after atomic saves", e.Name())
		}
	}
}
