package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const maxTitleWidth = 32

func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List registered chats and their workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChats()
		},
	}
}

func runChats() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	chats := reg.List()
	if len(chats) == 0 {
		fmt.Println("No chats registered. Agents register chats via the mailbox, or run nanoclaw init.")
		return nil
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ChatID < chats[j].ChatID })

	// Titles and folders come from the store when it exists; a fresh
	// install lists registry entries with placeholders.
	titles := map[int64]string{}
	folders := map[int64][]string{}
	if _, statErr := os.Stat(cfg.StorePath()); statErr == nil {
		st, openErr := store.Open(cfg.StorePath())
		if openErr != nil {
			fmt.Fprintf(os.Stderr, "warning: store unavailable: %s\n", openErr)
		} else {
			defer st.Close()
			ctx := context.Background()
			for _, rc := range chats {
				if c, err := st.ChatByID(ctx, rc.ChatID); err == nil && c != nil {
					titles[rc.ChatID] = c.Title
				}
				if topics, err := st.TopicsForChat(ctx, rc.ChatID); err == nil {
					for _, t := range topics {
						folders[rc.ChatID] = append(folders[rc.ChatID], t.Folder)
					}
				}
			}
		}
	}

	type row struct {
		id, title, typ, trigger, workspace string
	}
	rows := make([]row, 0, len(chats))
	for _, rc := range chats {
		title := titles[rc.ChatID]
		if title == "" {
			title = rc.ChatTitle
		}
		if title == "" {
			title = "-"
		}
		title = runewidth.Truncate(title, maxTitleWidth, "…")

		workspace := strings.Join(folders[rc.ChatID], ", ")
		if rc.ChatID == cfg.Telegram.MainChatID {
			workspace = "main"
		}
		if workspace == "" {
			workspace = "-"
		}

		typ := rc.ChatType
		if typ == "" {
			typ = "-"
		}

		rows = append(rows, row{
			id:        strconv.FormatInt(rc.ChatID, 10),
			title:     title,
			typ:       typ,
			trigger:   rc.TriggerMode,
			workspace: workspace,
		})
	}

	idW, titleW, typW, trigW := runewidth.StringWidth("CHAT ID"), runewidth.StringWidth("TITLE"), runewidth.StringWidth("TYPE"), runewidth.StringWidth("TRIGGER")
	for _, r := range rows {
		idW = maxInt(idW, runewidth.StringWidth(r.id))
		titleW = maxInt(titleW, runewidth.StringWidth(r.title))
		typW = maxInt(typW, runewidth.StringWidth(r.typ))
		trigW = maxInt(trigW, runewidth.StringWidth(r.trigger))
	}

	printRow := func(id, title, typ, trigger, workspace string) {
		fmt.Printf("%s  %s  %s  %s  %s\n",
			runewidth.FillRight(id, idW),
			runewidth.FillRight(title, titleW),
			runewidth.FillRight(typ, typW),
			runewidth.FillRight(trigger, trigW),
			workspace,
		)
	}

	printRow("CHAT ID", "TITLE", "TYPE", "TRIGGER", "WORKSPACE")
	for _, r := range rows {
		printRow(r.id, r.title, r.typ, r.trigger, r.workspace)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
