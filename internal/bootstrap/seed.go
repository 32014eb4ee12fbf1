// Package bootstrap seeds starter instruction files into the shared
// workspaces on first run. Existing files are never overwritten; once a
// CLAUDE.md exists the operator and the agents own it.
package bootstrap

import (
	"embed"
	"os"
	"path"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// InstructionsFile is the per-workspace agent instruction file. The mount
// planner overlays main's or global's copy onto every group workspace.
const InstructionsFile = "CLAUDE.md"

// seeds maps workspace folders to their starter template. main doubles as
// the overlay for private chats, global as the overlay for groups.
var seeds = []struct {
	folder   string
	template string
}{
	{"main", "main.md"},
	{"global", "global.md"},
}

// Seed prepares the main and global workspaces under groupsRoot, creating
// directories and instruction files that do not exist yet. It returns the
// relative paths of the files it created.
func Seed(groupsRoot string) ([]string, error) {
	var created []string
	for _, s := range seeds {
		dir := filepath.Join(groupsRoot, s.folder)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return created, err
		}
		ok, err := seedFile(dir, s.template)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, filepath.Join(s.folder, InstructionsFile))
		}
	}
	return created, nil
}

// seedFile writes the named template into dir as CLAUDE.md. O_EXCL keeps
// this a pure create; a concurrent or earlier write wins untouched.
func seedFile(dir, template string) (bool, error) {
	dst := filepath.Join(dir, InstructionsFile)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(path.Join("templates", template))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
