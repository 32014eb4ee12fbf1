// Package sandbox runs agent workers in containers, keeping at most one warm
// worker per workspace with cold one-shot fallbacks.
package sandbox

import (
	"os"
	"path"
	"path/filepath"

	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
)

// Container paths workers see. The group directory is the workspace's own
// working tree; everything else is supporting state.
const (
	containerProject = "/workspace/project"
	containerGroup   = "/workspace/group"
	containerGlobal  = "/workspace/global"
	containerClaude  = "/home/node/.claude"
	containerMailbox = "/workspace/ipc"
	containerEnvDir  = "/workspace/env-dir"
	containerExtra   = "/workspace/extra"

	instructionFile = "CLAUDE.md"
)

// Mount is one host→container bind.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// Spec renders the mount in the runtime's -v syntax.
func (m Mount) Spec() string {
	s := m.Host + ":" + m.Container
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// DroppedMount records an additional-mount request the planner refused, with
// the policy reason.
type DroppedMount struct {
	Request registry.MountRequest
	Reason  string
}

// PlanInput carries everything mount planning depends on. Exists lets tests
// control which host paths count as present; nil means os.Stat.
type PlanInput struct {
	Folder      string
	IsMain      bool
	ChatType    string
	ProjectRoot string
	GroupsRoot  string
	ClaudeDir   string
	MailboxDir  string
	EnvFile     string
	Extra       []registry.MountRequest
	Allowlist   *Allowlist
	Exists      func(string) bool
}

// PlanMounts builds the ordered bind list for one worker launch.
//
// The main workspace gets the whole project tree read-write. Everyone else
// gets only their own group directory, with the shared instruction file
// overlaid read-only on top of it: private chats see main's CLAUDE.md, group
// chats see global's. Additional mounts from the chat's container config are
// admitted only when the allowlist clears them; refusals come back in the
// second return value so the caller can log them.
func PlanMounts(in PlanInput) ([]Mount, []DroppedMount) {
	exists := in.Exists
	if exists == nil {
		exists = func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		}
	}

	group := filepath.Join(in.GroupsRoot, in.Folder)
	var mounts []Mount
	if in.IsMain {
		mounts = append(mounts,
			Mount{Host: in.ProjectRoot, Container: containerProject},
			Mount{Host: group, Container: containerGroup},
		)
	} else {
		mounts = append(mounts, Mount{Host: group, Container: containerGroup})

		overlayFolder := sessions.GlobalWorkspace
		if in.ChatType == "private" {
			overlayFolder = sessions.MainWorkspace
		}
		overlay := filepath.Join(in.GroupsRoot, overlayFolder, instructionFile)
		if exists(overlay) {
			mounts = append(mounts, Mount{
				Host:      overlay,
				Container: path.Join(containerGroup, instructionFile),
				ReadOnly:  true,
			})
		}

		global := filepath.Join(in.GroupsRoot, sessions.GlobalWorkspace)
		if exists(global) {
			mounts = append(mounts, Mount{Host: global, Container: containerGlobal, ReadOnly: true})
		}
	}

	mounts = append(mounts,
		Mount{Host: in.ClaudeDir, Container: containerClaude},
		Mount{Host: in.MailboxDir, Container: containerMailbox},
	)
	if in.EnvFile != "" && exists(in.EnvFile) {
		mounts = append(mounts, Mount{Host: in.EnvFile, Container: containerEnvDir, ReadOnly: true})
	}

	var dropped []DroppedMount
	for _, req := range in.Extra {
		m, reason := in.Allowlist.Resolve(req, in.IsMain)
		if reason != "" {
			dropped = append(dropped, DroppedMount{Request: req, Reason: reason})
			continue
		}
		mounts = append(mounts, m)
	}
	return mounts, dropped
}
