package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root supervisor configuration, persisted as JSON5 at
// ~/.nanoclaw/config.json5 by default.
type Config struct {
	// AssistantName is the trigger word watched for in group chats.
	AssistantName string `json:"assistant_name"`

	LogLevel string `json:"log_level"`

	Telegram  TelegramConfig  `json:"telegram"`
	Container ContainerConfig `json:"container"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Mailbox   MailboxConfig   `json:"mailbox"`
	Paths     PathsConfig     `json:"paths"`
	Admin     AdminConfig     `json:"admin"`
	Tracing   TracingConfig   `json:"tracing"`
	Build     BuildConfig     `json:"build"`
}

// TelegramConfig carries the bot credentials and the designated main chat.
// MainChatID is the forum group whose agent holds administrative powers
// (chat registration, cross-chat messaging, task management for any group).
type TelegramConfig struct {
	Token      string `json:"token"`
	MainChatID int64  `json:"main_chat_id"`
}

// ContainerConfig controls the sandboxed agent runtime.
type ContainerConfig struct {
	// Runtime is the container CLI to invoke ("docker" or "podman").
	Runtime string `json:"runtime"`
	Image   string `json:"image"`
	// TimeoutSecs bounds a single agent turn, not container lifetime.
	TimeoutSecs int `json:"timeout_secs"`
	// IdleTimeoutSecs is how long a warm container may sit idle before
	// it exits. Zero or negative disables warm pooling entirely and
	// every message runs in a cold one-shot container.
	IdleTimeoutSecs int `json:"idle_timeout_secs"`
	// MaxOutputBytes caps captured agent stdout per run.
	MaxOutputBytes int64 `json:"max_output_bytes"`
}

type SchedulerConfig struct {
	TickSecs int `json:"tick_secs"`
	// Timezone for cron expression evaluation, e.g. "Asia/Saigon".
	// Empty means the host local zone.
	Timezone string `json:"timezone"`
}

type MailboxConfig struct {
	PollSecs int `json:"poll_secs"`
}

// PathsConfig locates supervisor state on the host filesystem.
type PathsConfig struct {
	// DataDir holds the store, per-group workspaces, IPC mailboxes and
	// session state. Everything nanoclaw writes lives under it.
	DataDir string `json:"data_dir"`
	// ProjectRoot is the checkout mounted read-only into the main
	// agent's container. Empty means the working directory at startup.
	ProjectRoot string `json:"project_root"`
	// MountAllowlist points at the JSON file whitelisting extra host
	// mounts for non-main groups.
	MountAllowlist string `json:"mount_allowlist"`
}

type AdminConfig struct {
	// Listen is the local status server address. Empty disables it.
	Listen string `json:"listen"`
}

type TracingConfig struct {
	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	// Empty disables trace export.
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"service_name"`
}

type BuildConfig struct {
	// Command rebuilds the agent image when an agent requests it over
	// IPC. Empty derives "<runtime> build -t <image> ." run from
	// ProjectRoot.
	Command string `json:"command"`
}

// Default returns the baseline configuration. Load starts from this and
// overlays the file and environment on top, so zero values here are real
// defaults rather than placeholders.
func Default() *Config {
	return &Config{
		AssistantName: "Nanomi",
		LogLevel:      "info",
		Telegram:      TelegramConfig{},
		Container: ContainerConfig{
			Runtime:         "docker",
			Image:           "nanoclaw-agent:latest",
			TimeoutSecs:     300,
			IdleTimeoutSecs: 1800,
			MaxOutputBytes:  10 << 20,
		},
		Scheduler: SchedulerConfig{
			TickSecs: 60,
		},
		Mailbox: MailboxConfig{
			PollSecs: 1,
		},
		Paths: PathsConfig{
			DataDir:        "~/.nanoclaw/data",
			MountAllowlist: "~/.nanoclaw/mount-allowlist.json",
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:8321",
		},
		Tracing: TracingConfig{
			ServiceName: "nanoclaw",
		},
	}
}

// Validate checks the fields the supervisor cannot run without. Commands
// that only inspect state (doctor, migrate) skip this.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (set NANOCLAW_BOT_TOKEN or run 'nanoclaw init')")
	}
	if c.Telegram.MainChatID == 0 {
		return fmt.Errorf("telegram.main_chat_id is required (run 'nanoclaw init')")
	}
	if strings.TrimSpace(c.Container.Image) == "" {
		return fmt.Errorf("container.image must not be empty")
	}
	if c.Container.TimeoutSecs <= 0 {
		return fmt.Errorf("container.timeout_secs must be positive, got %d", c.Container.TimeoutSecs)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}

// Location resolves the scheduler timezone. Empty falls back to host local.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// RunTimeout is the per-turn agent deadline.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Container.TimeoutSecs) * time.Second
}

// IdleTimeout is the warm container reap deadline. Non-positive means
// warm pooling is off.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Container.IdleTimeoutSecs) * time.Second
}

func (c *Config) SchedulerTick() time.Duration {
	if c.Scheduler.TickSecs <= 0 {
		return time.Minute
	}
	return time.Duration(c.Scheduler.TickSecs) * time.Second
}

func (c *Config) MailboxPoll() time.Duration {
	if c.Mailbox.PollSecs <= 0 {
		return time.Second
	}
	return time.Duration(c.Mailbox.PollSecs) * time.Second
}

// BuildCommand returns the image rebuild command line.
func (c *Config) BuildCommand() string {
	if strings.TrimSpace(c.Build.Command) != "" {
		return c.Build.Command
	}
	return fmt.Sprintf("%s build -t %s .", c.Container.Runtime, c.Container.Image)
}

// DataPath joins elem under the expanded data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{ExpandHome(c.Paths.DataDir)}, elem...)
	return filepath.Join(parts...)
}

// StorePath is the sqlite database file.
func (c *Config) StorePath() string { return c.DataPath("store.db") }

// RegistryPath is the registered-chats JSON file.
func (c *Config) RegistryPath() string { return c.DataPath("registered_chats.json") }

// StatePath is the session/router state JSON file.
func (c *Config) StatePath() string { return c.DataPath("state.json") }

// GroupDir is the agent workspace for one registered group, mounted
// read-write at /workspace/group in its container.
func (c *Config) GroupDir(folder string) string { return c.DataPath("groups", folder) }

// ClaudeDir holds per-group agent session state, mounted at
// /home/node/.claude.
func (c *Config) ClaudeDir(folder string) string { return c.DataPath("claude", folder) }

// MailboxDir is the per-group IPC root with messages/, tasks/ and
// errors/ beneath it.
func (c *Config) MailboxDir(folder string) string { return c.DataPath("ipc", folder) }

// EnvFilePath is the optional per-group secrets file distilled from the
// host environment whitelist.
func (c *Config) EnvFilePath(folder string) string {
	return c.DataPath("env", folder+".env")
}

// ResolvedProjectRoot expands ProjectRoot, defaulting to the current
// working directory.
func (c *Config) ResolvedProjectRoot() string {
	if strings.TrimSpace(c.Paths.ProjectRoot) == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return ExpandHome(c.Paths.ProjectRoot)
}
