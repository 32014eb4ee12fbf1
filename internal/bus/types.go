package bus

import (
	"context"
	"time"
)

// Inbound message kinds.
const (
	KindText     = "text"
	KindReaction = "reaction"
)

// InboundMessage is a chat event received from a channel. Reactions ride
// the same lane as text with Kind set to KindReaction; for those the
// Emoji/ReactionAction/TargetMessageID fields are populated and Content
// is empty. TopicID on reaction events is zero because the platform does
// not attach a thread to reaction updates; the dispatcher resolves it
// from the stored target message.
type InboundMessage struct {
	Channel    string    `json:"channel"`
	ChatID     int64     `json:"chat_id"`
	TopicID    int64     `json:"topic_id"`
	MessageID  int       `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	ChatType   string    `json:"chat_type,omitempty"` // "private", "group", "supergroup", "channel"
	ChatTitle  string    `json:"chat_title,omitempty"`
	TopicName  string    `json:"topic_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsBot      bool      `json:"is_bot,omitempty"`
	ReplyTo    int       `json:"reply_to,omitempty"` // replied-to message id, 0 = none

	Kind            string `json:"kind"`
	Emoji           string `json:"emoji,omitempty"`
	ReactionAction  string `json:"reaction_action,omitempty"` // "added" or "removed"
	TargetMessageID int    `json:"target_message_id,omitempty"`
}

// OutboundMessage is a reply to deliver to a chat. Channels split content
// that exceeds platform limits into multiple sends.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  int64  `json:"chat_id"`
	TopicID int64  `json:"topic_id"`
	Content string `json:"content"`
	ReplyTo int    `json:"reply_to,omitempty"`
}

// OutboundReaction asks a channel to place an emoji on an existing
// message.
type OutboundReaction struct {
	Channel   string `json:"channel"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Event is a server-side event broadcast to status WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // e.g. "message", "run", "task", "health"
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so the admin
// server does not depend on the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound routing between channels and
// the dispatcher.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
	PublishReaction(r OutboundReaction)
	SubscribeReactions(ctx context.Context) (OutboundReaction, bool)
}
