package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// ConfigDir returns the nanoclaw home directory (~/.nanoclaw).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nanoclaw"
	}
	return filepath.Join(home, ".nanoclaw")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json5")
}

// Load reads the config file at path, overlaying it on Default and then
// applying environment overrides. A missing file is not an error: the
// defaults plus environment are returned, which is enough to run doctor
// or a fully env-driven deployment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets NANOCLAW_* variables win over file values, so
// secrets can stay out of the config file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envStr("NANOCLAW_ASSISTANT_NAME", &c.AssistantName)
	envStr("NANOCLAW_LOG_LEVEL", &c.LogLevel)

	envStr("NANOCLAW_BOT_TOKEN", &c.Telegram.Token)
	envInt64("NANOCLAW_MAIN_CHAT_ID", &c.Telegram.MainChatID)

	envStr("NANOCLAW_CONTAINER_RUNTIME", &c.Container.Runtime)
	envStr("NANOCLAW_CONTAINER_IMAGE", &c.Container.Image)
	envInt("NANOCLAW_CONTAINER_TIMEOUT", &c.Container.TimeoutSecs)
	envInt("NANOCLAW_IDLE_TIMEOUT", &c.Container.IdleTimeoutSecs)
	envInt64("NANOCLAW_MAX_OUTPUT", &c.Container.MaxOutputBytes)

	envInt("NANOCLAW_SCHEDULER_INTERVAL", &c.Scheduler.TickSecs)
	envStr("NANOCLAW_TIMEZONE", &c.Scheduler.Timezone)

	envInt("NANOCLAW_MAILBOX_INTERVAL", &c.Mailbox.PollSecs)

	envStr("NANOCLAW_DATA_DIR", &c.Paths.DataDir)
	envStr("NANOCLAW_PROJECT_ROOT", &c.Paths.ProjectRoot)
	envStr("NANOCLAW_MOUNT_ALLOWLIST", &c.Paths.MountAllowlist)

	envStr("NANOCLAW_ADMIN_LISTEN", &c.Admin.Listen)

	envStr("NANOCLAW_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envBool("NANOCLAW_OTLP_INSECURE", &c.Tracing.Insecure)

	envStr("NANOCLAW_BUILD_COMMAND", &c.Build.Command)
}

// Save writes the config as indented JSON. JSON5 readers accept plain
// JSON, so round-tripping through Save keeps the file loadable.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// MaskedCopy returns a deep-enough copy with secrets replaced, safe to
// log or serve from the status endpoint.
func (c *Config) MaskedCopy() *Config {
	cp := *c
	cp.Telegram.Token = maskNonEmpty(c.Telegram.Token)
	return &cp
}

func maskNonEmpty(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
