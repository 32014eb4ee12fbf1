package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
)

func TestLoadAllowlistMissing(t *testing.T) {
	a, err := LoadAllowlist(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadAllowlist() error = %v", err)
	}
	if a != nil {
		t.Errorf("allowlist = %+v, want nil for missing file", a)
	}
}

func TestLoadAllowlistMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAllowlist(path); err == nil {
		t.Error("LoadAllowlist() expected parse error")
	}
}

func TestLoadAllowlistRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	body := `{"allowed_roots": ["~/shared", "/srv/exports"], "blocked_patterns": ["*.sqlite"], "non_main_read_only": true}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := LoadAllowlist(path)
	if err != nil {
		t.Fatalf("LoadAllowlist() error = %v", err)
	}
	if len(a.AllowedRoots) != 2 || !a.NonMainReadOnly {
		t.Errorf("allowlist = %+v", a)
	}
}

func TestLoadAllowlistJSON5Comments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	body := `{
	// operators annotate their policy
	allowed_roots: ["/srv/exports"],
	non_main_read_only: true, // trailing comma tolerated too
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := LoadAllowlist(path)
	if err != nil {
		t.Fatalf("LoadAllowlist() error = %v", err)
	}
	if len(a.AllowedRoots) != 1 || a.AllowedRoots[0] != "/srv/exports" || !a.NonMainReadOnly {
		t.Errorf("allowlist = %+v", a)
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	a := &Allowlist{AllowedRoots: []string{root}, BlockedPatterns: []string{"secret*"}}

	tests := []struct {
		name       string
		allowlist  *Allowlist
		req        registry.MountRequest
		isMain     bool
		wantReason string
		wantPath   string
		wantRO     bool
	}{
		{
			name:       "nil allowlist refuses everything",
			allowlist:  nil,
			req:        registry.MountRequest{HostPath: root},
			wantReason: "no mount allowlist configured",
		},
		{
			name:      "inside root accepted",
			allowlist: a,
			req:       registry.MountRequest{HostPath: filepath.Join(root, "docs")},
			wantPath:  "/workspace/extra/docs",
		},
		{
			name:      "container sub override",
			allowlist: a,
			req:       registry.MountRequest{HostPath: filepath.Join(root, "docs"), ContainerSub: "ref"},
			wantPath:  "/workspace/extra/ref",
		},
		{
			name:      "read-only request honored",
			allowlist: a,
			req:       registry.MountRequest{HostPath: filepath.Join(root, "docs"), ReadOnly: true},
			wantPath:  "/workspace/extra/docs",
			wantRO:    true,
		},
		{
			name:       "outside roots refused",
			allowlist:  a,
			req:        registry.MountRequest{HostPath: "/etc"},
			wantReason: "outside allowed roots",
		},
		{
			name:       "ssh directory blocked",
			allowlist:  a,
			req:        registry.MountRequest{HostPath: filepath.Join(root, ".ssh", "config")},
			wantReason: `matches blocked pattern ".ssh"`,
		},
		{
			name:       "pem file blocked",
			allowlist:  a,
			req:        registry.MountRequest{HostPath: filepath.Join(root, "certs", "server.pem")},
			wantReason: `matches blocked pattern "*.pem"`,
		},
		{
			name:       "env file blocked",
			allowlist:  a,
			req:        registry.MountRequest{HostPath: filepath.Join(root, "app", ".env")},
			wantReason: `matches blocked pattern ".env"`,
		},
		{
			name:       "operator pattern blocked",
			allowlist:  a,
			req:        registry.MountRequest{HostPath: filepath.Join(root, "secrets")},
			wantReason: `matches blocked pattern "secret*"`,
		},
		{
			name:       "traversal subpath refused",
			allowlist:  a,
			req:        registry.MountRequest{HostPath: filepath.Join(root, "docs"), ContainerSub: "../escape"},
			wantReason: "invalid container subpath",
		},
		{
			name:       "absolute subpath refused",
			allowlist:  a,
			req:        registry.MountRequest{HostPath: filepath.Join(root, "docs"), ContainerSub: "/abs"},
			wantReason: "invalid container subpath",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reason := tt.allowlist.Resolve(tt.req, tt.isMain)
			if reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", reason, tt.wantReason)
			}
			if tt.wantReason != "" {
				return
			}
			if m.Container != tt.wantPath {
				t.Errorf("container = %q, want %q", m.Container, tt.wantPath)
			}
			if m.ReadOnly != tt.wantRO {
				t.Errorf("read-only = %v, want %v", m.ReadOnly, tt.wantRO)
			}
		})
	}
}

func TestResolveNonMainReadOnly(t *testing.T) {
	root := t.TempDir()
	a := &Allowlist{AllowedRoots: []string{root}, NonMainReadOnly: true}
	req := registry.MountRequest{HostPath: filepath.Join(root, "docs")}

	m, reason := a.Resolve(req, false)
	if reason != "" {
		t.Fatalf("reason = %q", reason)
	}
	if !m.ReadOnly {
		t.Error("non-main mount not forced read-only")
	}

	m, reason = a.Resolve(req, true)
	if reason != "" {
		t.Fatalf("reason = %q", reason)
	}
	if m.ReadOnly {
		t.Error("main mount unexpectedly read-only")
	}
}

func TestResolveHomeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	a := &Allowlist{AllowedRoots: []string{"~/shared"}}
	m, reason := a.Resolve(registry.MountRequest{HostPath: "~/shared/data"}, false)
	if reason != "" {
		t.Fatalf("reason = %q", reason)
	}
	if !strings.HasPrefix(m.Host, home) {
		t.Errorf("host = %q, want under %q", m.Host, home)
	}
}
