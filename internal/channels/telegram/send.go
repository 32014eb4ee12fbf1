package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// SendMessage delivers a reply to a chat, splitting content that exceeds
// the platform limit into multiple sends. Only the first piece replies to
// the triggering message. Each sent piece is recorded in the store as an
// agent response so reactions to it can be traced back later.
func (c *Channel) SendMessage(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}

	for i, chunk := range splitText(msg.Content, messageLimit) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		params := tu.Message(tu.ID(msg.ChatID), chunk)
		if msg.TopicID > 0 {
			params.MessageThreadID = int(msg.TopicID)
		}
		replyTo := 0
		if i == 0 && msg.ReplyTo > 0 {
			replyTo = msg.ReplyTo
			params.ReplyParameters = &telego.ReplyParameters{
				MessageID:                replyTo,
				AllowSendingWithoutReply: true,
			}
		}

		sent, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
		c.recordSent(ctx, msg.ChatID, msg.TopicID, replyTo, chunk, sent)
	}

	return nil
}

// SendReaction places an emoji on an existing message.
func (c *Channel) SendReaction(ctx context.Context, r bus.OutboundReaction) error {
	if r.Emoji == "" || r.MessageID == 0 {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	err := c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(r.ChatID),
		MessageID: r.MessageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: r.Emoji},
		},
	})
	if err != nil {
		return fmt.Errorf("set telegram reaction: %w", err)
	}
	return nil
}

// recordSent stores a delivered reply under its platform-assigned message
// id. Failures are logged; the message already reached the user.
func (c *Channel) recordSent(ctx context.Context, chatID, topicID int64, replyTo int, chunk string, sent *telego.Message) {
	if c.store == nil || sent == nil {
		return
	}

	row := store.Message{
		ChatID:    chatID,
		TopicID:   topicID,
		ID:        sent.MessageID,
		Content:   chunk,
		Type:      store.MessageTypeAgentResponse,
		Timestamp: time.Unix(int64(sent.Date), 0).UTC(),
		IsBot:     true,
		ReplyTo:   replyTo,
	}
	if sent.From != nil {
		row.SenderID = sent.From.ID
		row.SenderName = displayName(sent.From)
	}

	if err := c.store.StoreMessage(ctx, row); err != nil {
		slog.Warn("failed to record sent reply",
			"chat_id", chatID,
			"message_id", sent.MessageID,
			"error", err,
		)
	}
}

// splitText cuts content into pieces of at most limit bytes, preferring a
// newline boundary past the midpoint and never cutting inside a UTF-8
// sequence.
func splitText(content string, limit int) []string {
	if limit <= 0 || len(content) <= limit {
		return []string{content}
	}

	var pieces []string
	for len(content) > limit {
		cutAt := limit
		if idx := strings.LastIndexByte(content[:limit], '\n'); idx > limit/2 {
			cutAt = idx + 1
		} else {
			for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = limit
			}
		}
		pieces = append(pieces, content[:cutAt])
		content = content[cutAt:]
	}
	if content != "" {
		pieces = append(pieces, content)
	}
	return pieces
}
