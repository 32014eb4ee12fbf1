package telegram

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// handleMessage converts a Telegram message into an inbound bus event.
// Service messages are consumed for forum topic names but never published.
func (c *Channel) handleMessage(message *telego.Message) {
	topicID := resolveTopicID(message)
	key := topicKey(message.Chat.ID, topicID)

	// Forum topic creation arrives as a service message in the new thread.
	// Remember the name so the session router can slug the workspace
	// folder after it.
	if created := message.ForumTopicCreated; created != nil {
		if created.Name != "" {
			c.topicNames.Store(key, created.Name)
		}
		slog.Debug("telegram topic created",
			"chat_id", message.Chat.ID,
			"topic_id", topicID,
			"name", created.Name,
		)
		return
	}
	// Messages inside a topic carry the creation message as their implicit
	// thread root; it names the topic too.
	if reply := message.ReplyToMessage; reply != nil && reply.ForumTopicCreated != nil {
		if name := reply.ForumTopicCreated.Name; name != "" {
			c.topicNames.Store(key, name)
		}
	}

	user := message.From
	if user == nil {
		slog.Debug("telegram message without sender skipped", "chat_id", message.Chat.ID)
		return
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}
	if content == "" {
		// Service events and media without captions carry nothing to
		// dispatch on.
		slog.Debug("telegram message without text skipped",
			"chat_id", message.Chat.ID,
			"message_id", message.MessageID,
		)
		return
	}

	// An implicit reply to the thread root is topic plumbing, not a reply.
	replyTo := 0
	if reply := message.ReplyToMessage; reply != nil && reply.MessageID != topicID {
		replyTo = reply.MessageID
	}

	topicName := ""
	if v, ok := c.topicNames.Load(key); ok {
		topicName = v.(string)
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:    c.Name(),
		ChatID:     message.Chat.ID,
		TopicID:    int64(topicID),
		MessageID:  message.MessageID,
		SenderID:   user.ID,
		SenderName: displayName(user),
		Content:    content,
		ChatType:   message.Chat.Type,
		ChatTitle:  chatTitle(message.Chat),
		TopicName:  topicName,
		Timestamp:  time.Unix(int64(message.Date), 0).UTC(),
		IsBot:      user.IsBot,
		ReplyTo:    replyTo,
		Kind:       bus.KindText,
	})
}

// handleReaction converts a reaction update into an inbound bus event.
// Only additions are published; clearing a reaction is dropped here.
// Reaction updates have no message id of their own, so the update id
// stands in as the stored row id.
func (c *Channel) handleReaction(updateID int, reaction *telego.MessageReactionUpdated) {
	if reaction.User == nil {
		slog.Debug("telegram anonymous reaction skipped", "chat_id", reaction.Chat.ID)
		return
	}

	added := addedEmojis(reaction.OldReaction, reaction.NewReaction)
	if len(added) == 0 {
		slog.Debug("telegram reaction removal ignored",
			"chat_id", reaction.Chat.ID,
			"message_id", reaction.MessageID,
		)
		return
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:         c.Name(),
		ChatID:          reaction.Chat.ID,
		MessageID:       updateID,
		SenderID:        reaction.User.ID,
		SenderName:      displayName(reaction.User),
		ChatType:        reaction.Chat.Type,
		ChatTitle:       chatTitle(reaction.Chat),
		Timestamp:       time.Unix(int64(reaction.Date), 0).UTC(),
		Kind:            bus.KindReaction,
		Emoji:           added[len(added)-1],
		ReactionAction:  "added",
		TargetMessageID: reaction.MessageID,
	})
}

// resolveTopicID maps a message to its forum topic. Outside forums the
// thread id is reply context, not a topic.
func resolveTopicID(message *telego.Message) int {
	if !message.Chat.IsForum {
		return 0
	}
	return message.MessageThreadID
}

func topicKey(chatID int64, topicID int) string {
	return fmt.Sprintf("%d:%d", chatID, topicID)
}

// addedEmojis returns the plain emojis present in new but not in old.
// Custom emoji reactions carry no plain emoji and are skipped.
func addedEmojis(old, new []telego.ReactionType) []string {
	prev := make(map[string]bool, len(old))
	for _, r := range old {
		if e := emojiOf(r); e != "" {
			prev[e] = true
		}
	}
	var added []string
	for _, r := range new {
		if e := emojiOf(r); e != "" && !prev[e] {
			added = append(added, e)
		}
	}
	return added
}

func emojiOf(r telego.ReactionType) string {
	if e, ok := r.(*telego.ReactionTypeEmoji); ok {
		return e.Emoji
	}
	return ""
}

// displayName builds a human-readable sender name: full name, then
// username, then the numeric id.
func displayName(user *telego.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	if name == "" {
		name = fmt.Sprintf("user-%d", user.ID)
	}
	return name
}

// chatTitle returns the group title, or the peer's name for private
// chats, which have no title.
func chatTitle(chat telego.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name == "" {
		name = chat.Username
	}
	return name
}
