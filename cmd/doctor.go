package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	if cfg.Telegram.Token != "" {
		fmt.Printf("    %-14s %s\n", "Token:", maskToken(cfg.Telegram.Token))
	} else {
		fmt.Printf("    %-14s (not configured)\n", "Token:")
	}
	if cfg.Telegram.MainChatID != 0 {
		fmt.Printf("    %-14s %d\n", "Main chat:", cfg.Telegram.MainChatID)
	} else {
		fmt.Printf("    %-14s (not configured)\n", "Main chat:")
	}

	fmt.Println()
	fmt.Println("  Container runtime:")
	checkRuntime(cfg.Container.Runtime)
	fmt.Printf("    %-14s %s\n", "Image:", cfg.Container.Image)

	fmt.Println()
	fmt.Println("  Store:")
	checkStore(cfg.StorePath())

	fmt.Println()
	fmt.Println("  Scheduler:")
	if _, tzErr := cfg.Location(); tzErr != nil {
		fmt.Printf("    %-14s %s (INVALID)\n", "Timezone:", cfg.Scheduler.Timezone)
	} else {
		tz := cfg.Scheduler.Timezone
		if tz == "" {
			tz = "local"
		}
		fmt.Printf("    %-14s %s\n", "Timezone:", tz)
	}

	fmt.Println()
	fmt.Println("  Paths:")
	checkDir("Data dir:", cfg.DataPath())
	checkDir("Groups:", cfg.DataPath("groups"))
	allowPath := config.ExpandHome(cfg.Paths.MountAllowlist)
	if allowPath == "" {
		fmt.Printf("    %-14s (not configured, extra mounts refused)\n", "Allowlist:")
	} else if _, err := os.Stat(allowPath); err != nil {
		fmt.Printf("    %-14s %s (NOT FOUND, extra mounts refused)\n", "Allowlist:", allowPath)
	} else {
		fmt.Printf("    %-14s %s (OK)\n", "Allowlist:", allowPath)
	}

	fmt.Println()
	fmt.Println("  Registered chats:")
	if reg, regErr := registry.Load(cfg.RegistryPath()); regErr != nil {
		fmt.Printf("    (could not load registry: %s)\n", regErr)
	} else {
		fmt.Printf("    %-14s %d\n", "Count:", reg.Len())
	}

	if cfg.Admin.Listen != "" {
		fmt.Println()
		fmt.Printf("  Admin:    %s\n", cfg.Admin.Listen)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkRuntime(bin string) {
	path, err := exec.LookPath(bin)
	if err != nil {
		fmt.Printf("    %-14s %s (NOT FOUND)\n", "Binary:", bin)
		return
	}
	fmt.Printf("    %-14s %s\n", "Binary:", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, bin, "info").Run(); err != nil {
		fmt.Printf("    %-14s UNREACHABLE (%s)\n", "Daemon:", err)
	} else {
		fmt.Printf("    %-14s OK\n", "Daemon:")
	}
}

func checkStore(path string) {
	fmt.Printf("    %-14s %s", "Path:", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND, created on first run)")
		return
	}
	fmt.Println()

	m, err := store.NewMigrator(path)
	if err != nil {
		fmt.Printf("    %-14s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	defer m.Close()

	v, dirty, err := m.Version()
	switch {
	case err == migrate.ErrNilVersion:
		fmt.Printf("    %-14s empty (migrated on first run)\n", "Schema:")
	case err != nil:
		fmt.Printf("    %-14s CHECK FAILED (%s)\n", "Schema:", err)
	case dirty:
		fmt.Printf("    %-14s v%d (DIRTY — run: nanoclaw migrate force %d)\n", "Schema:", v, v-1)
	default:
		fmt.Printf("    %-14s v%d\n", "Schema:", v)
	}
}

func checkDir(label, path string) {
	fmt.Printf("    %-14s %s", label, path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
