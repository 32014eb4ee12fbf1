package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
)

// Allowlist is the operator policy for additional mounts. It lives outside
// the project root and is itself never mounted into any worker.
type Allowlist struct {
	AllowedRoots    []string `json:"allowed_roots"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`
	NonMainReadOnly bool     `json:"non_main_read_only,omitempty"`
}

// defaultBlockedPatterns are enforced on top of whatever the operator lists.
// Matched against each path segment of the resolved host path.
var defaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".aws",
	".kube",
	"gcloud",
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"id_rsa*",
	"id_ed25519*",
	"credentials*",
}

// LoadAllowlist reads the policy file, JSON5 like the config so operators
// can comment their policy. A missing file yields a nil allowlist, under
// which every additional mount is refused.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(config.ExpandHome(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mount allowlist: %w", err)
	}
	var a Allowlist
	if err := json5.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse mount allowlist %s: %w", path, err)
	}
	return &a, nil
}

// Resolve validates one additional-mount request. On success it returns the
// concrete mount; otherwise the reason the request was refused.
func (a *Allowlist) Resolve(req registry.MountRequest, isMain bool) (Mount, string) {
	if a == nil || len(a.AllowedRoots) == 0 {
		return Mount{}, "no mount allowlist configured"
	}

	host, err := filepath.Abs(config.ExpandHome(req.HostPath))
	if err != nil {
		return Mount{}, "unresolvable host path"
	}
	host = filepath.Clean(host)

	if !a.underAllowedRoot(host) {
		return Mount{}, "outside allowed roots"
	}
	if pat := a.blockedBy(host); pat != "" {
		return Mount{}, fmt.Sprintf("matches blocked pattern %q", pat)
	}

	sub := req.ContainerSub
	if sub == "" {
		sub = filepath.Base(host)
	}
	if strings.HasPrefix(sub, "/") || strings.Contains(sub, "..") {
		return Mount{}, "invalid container subpath"
	}

	ro := req.ReadOnly
	if a.NonMainReadOnly && !isMain {
		ro = true
	}
	return Mount{Host: host, Container: path.Join(containerExtra, sub), ReadOnly: ro}, ""
}

func (a *Allowlist) underAllowedRoot(host string) bool {
	for _, root := range a.AllowedRoots {
		r, err := filepath.Abs(config.ExpandHome(root))
		if err != nil {
			continue
		}
		r = filepath.Clean(r)
		if host == r || strings.HasPrefix(host, r+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (a *Allowlist) blockedBy(host string) string {
	segs := strings.Split(strings.Trim(host, string(os.PathSeparator)), string(os.PathSeparator))
	check := func(pat string) bool {
		for _, seg := range segs {
			if ok, err := filepath.Match(pat, seg); err == nil && ok {
				return true
			}
		}
		return false
	}
	for _, pat := range defaultBlockedPatterns {
		if check(pat) {
			return pat
		}
	}
	for _, pat := range a.BlockedPatterns {
		if check(pat) {
			return pat
		}
	}
	return ""
}
