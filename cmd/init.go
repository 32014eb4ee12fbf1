package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup: write config and register the main chat",
		Run: func(cmd *cobra.Command, args []string) {
			runInit()
		},
	}
}

func runInit() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Existing config at %s could not be read: %s\n", cfgPath, err)
		fmt.Println("Fix or remove it, then re-run nanoclaw init.")
		os.Exit(1)
	}

	token := cfg.Telegram.Token
	name := cfg.AssistantName
	chatID := ""
	if cfg.Telegram.MainChatID != 0 {
		chatID = strconv.FormatInt(cfg.Telegram.MainChatID, 10)
	}
	image := cfg.Container.Image
	tz := cfg.Scheduler.Timezone

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Stored in the config file; NANOCLAW_TELEGRAM_TOKEN overrides it.").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(validateToken),
			huh.NewInput().
				Title("Assistant name").
				Description("The name the agent answers to in group chats.").
				Value(&name).
				Validate(validateNonEmpty),
			huh.NewInput().
				Title("Main chat ID").
				Description("Your private control chat. Its workspace folder is always `main`.").
				Placeholder("-1001234567890").
				Value(&chatID).
				Validate(validateChatID),
			huh.NewInput().
				Title("Container image").
				Description("Worker image run for every agent turn.").
				Value(&image).
				Validate(validateNonEmpty),
			huh.NewInput().
				Title("Timezone").
				Description("IANA zone for task schedules. Empty means local time.").
				Placeholder("Asia/Ho_Chi_Minh").
				Value(&tz).
				Validate(validateTimezone),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println("Setup cancelled.")
		os.Exit(1)
	}

	mainChatID, _ := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	cfg.Telegram.Token = strings.TrimSpace(token)
	cfg.AssistantName = strings.TrimSpace(name)
	cfg.Telegram.MainChatID = mainChatID
	cfg.Container.Image = strings.TrimSpace(image)
	cfg.Scheduler.Timezone = strings.TrimSpace(tz)

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		fmt.Printf("Could not create config directory: %s\n", err)
		os.Exit(1)
	}
	if err := cfg.Save(cfgPath); err != nil {
		fmt.Printf("Could not write config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", cfgPath)

	if err := os.MkdirAll(cfg.DataPath(), 0o755); err != nil {
		fmt.Printf("Could not create data directory: %s\n", err)
		os.Exit(1)
	}
	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		fmt.Printf("Could not load chat registry: %s\n", err)
		os.Exit(1)
	}
	if reg.IsRegistered(mainChatID) {
		fmt.Printf("Main chat %d already registered.\n", mainChatID)
	} else {
		rc := registry.RegisteredChat{
			ChatID:      mainChatID,
			ChatType:    "group",
			TriggerMode: registry.TriggerAlways,
			AddedAt:     time.Now().UTC(),
			AddedBy:     "init",
		}
		if err := reg.Register(rc); err != nil {
			fmt.Printf("Could not register main chat: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registered main chat %d (trigger: always, workspace: main)\n", mainChatID)
	}

	fmt.Println()
	fmt.Println("Done. Start the supervisor with: nanoclaw")
}

func validateNonEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("required")
	}
	return nil
}

func validateToken(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("required")
	}
	if !strings.Contains(s, ":") {
		return fmt.Errorf("does not look like a bot token")
	}
	return nil
}

func validateChatID(s string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("must be an integer chat id")
	}
	if n == 0 {
		return fmt.Errorf("required")
	}
	return nil
}

func validateTimezone(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := time.LoadLocation(s); err != nil {
		return fmt.Errorf("unknown timezone")
	}
	return nil
}
