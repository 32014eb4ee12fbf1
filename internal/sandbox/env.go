package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// envWhitelist names the only host variables ever forwarded to workers.
var envWhitelist = []string{
	"CLAUDE_CODE_OAUTH_TOKEN",
	"ANTHROPIC_API_KEY",
}

// WriteEnvFile distills environ (os.Environ form) into a file holding only
// whitelisted variables, one KEY=value per line, mode 0600. When none are set
// any stale file is removed and ok is false, so the mount planner skips the
// env-dir bind.
func WriteEnvFile(path string, environ []string) (ok bool, err error) {
	var lines []string
	for _, kv := range environ {
		name, _, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		for _, want := range envWhitelist {
			if name == want {
				lines = append(lines, kv)
				break
			}
		}
	}

	if len(lines) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove stale env file: %w", err)
		}
		return false, nil
	}

	sort.Strings(lines)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create env dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return false, fmt.Errorf("write env file: %w", err)
	}
	return true, nil
}
