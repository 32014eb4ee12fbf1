// Package telegram connects to the Telegram Bot API using long polling.
// Inbound messages and reaction updates are published to the bus; outbound
// replies are paced, split at the platform length limit, and recorded back
// into the store so later reactions can be traced to the bot's own
// messages.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const (
	// messageLimit is Telegram's maximum message length. Measured in
	// UTF-16 units by the platform; a byte count never undercounts those,
	// so splitting on bytes stays within the limit.
	messageLimit = 4096

	longPollTimeoutSecs = 30

	// Global send pacing, below the Bot API's ~30 msg/s ceiling.
	sendRate  = rate.Limit(25)
	sendBurst = 5
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	store      *store.Store
	limiter    *rate.Limiter
	topicNames sync.Map // "chatID:topicID" string → topic name string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config. The store records sent
// replies and persists the update offset; nil disables both.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, st *store.Store) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus),
		bot:         bot,
		config:      cfg,
		store:       st,
		limiter:     rate.NewLimiter(sendRate, sendBurst),
	}, nil
}

// Start begins long polling for Telegram updates. Resumes from the
// persisted update offset so a restart does not replay handled updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	params := &telego.GetUpdatesParams{
		Timeout: longPollTimeoutSecs,
		AllowedUpdates: []string{
			"message",
			"message_reaction",
		},
	}
	if offset := c.loadOffset(pollCtx); offset > 0 {
		params.Offset = offset
	}

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, params)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				c.handleUpdate(pollCtx, update)
			}
		}
	}()

	return nil
}

// Stop cancels the long polling context and waits for the polling
// goroutine to exit so Telegram releases the getUpdates lock before a new
// instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		c.handleMessage(update.Message)
	case update.MessageReaction != nil:
		c.handleReaction(update.UpdateID, update.MessageReaction)
	default:
		slog.Debug("telegram update skipped", "update_id", update.UpdateID)
	}
	c.saveOffset(ctx, update.UpdateID+1)
}

// loadOffset reads the persisted getUpdates offset, 0 when unset.
func (c *Channel) loadOffset(ctx context.Context) int {
	if c.store == nil {
		return 0
	}
	raw, err := c.store.GetSyncState(ctx, store.SyncKeyUpdateOffset)
	if err != nil || raw == "" {
		return 0
	}
	offset, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring malformed telegram update offset", "value", raw)
		return 0
	}
	return offset
}

func (c *Channel) saveOffset(ctx context.Context, next int) {
	if c.store == nil {
		return
	}
	if err := c.store.SetSyncState(ctx, store.SyncKeyUpdateOffset, strconv.Itoa(next)); err != nil {
		slog.Debug("failed to persist telegram update offset", "error", err)
	}
}
