package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultQueueSize = 256

// MessageBus is the in-process pipe between channels, the dispatcher and
// the status server. Inbound and outbound lanes are buffered channels;
// events fan out to registered subscribers.
type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	reactions chan OutboundReaction

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultQueueSize),
		outbound:    make(chan OutboundMessage, defaultQueueSize),
		reactions:   make(chan OutboundReaction, defaultQueueSize),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound queues a chat event for the dispatcher. Drops with a
// warning if the queue is full so a stalled consumer cannot wedge the
// channel's update loop; dropped user messages are recovered on the next
// run from the store.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping",
			"chat_id", msg.ChatID,
			"topic_id", msg.TopicID,
			"kind", msg.Kind,
		)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done. The
// second return is false only on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping", "chat_id", msg.ChatID)
	}
}

func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (b *MessageBus) PublishReaction(r OutboundReaction) {
	select {
	case b.reactions <- r:
	default:
		slog.Warn("bus: reaction queue full, dropping", "chat_id", r.ChatID)
	}
}

func (b *MessageBus) SubscribeReactions(ctx context.Context) (OutboundReaction, bool) {
	select {
	case r := <-b.reactions:
		return r, true
	case <-ctx.Done():
		return OutboundReaction{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers event to every subscriber on the caller's
// goroutine. Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
