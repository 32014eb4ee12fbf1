package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Manager owns the registered channels, their lifecycle, and the two
// egress loops that drain the bus: one for replies, one for reactions.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	cancel   context.CancelFunc
	done     sync.WaitGroup
	mu       sync.RWMutex
}

// NewManager creates a channel manager. Channels are added via Register.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// Register adds a channel under its name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts the egress loops and every registered channel. A channel
// that fails to start is logged and skipped; the rest keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done.Add(2)
	go m.dispatchOutbound(loopCtx)
	go m.dispatchReactions(loopCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels registered")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the egress loops, waits for them, then stops every
// channel. The wait happens outside the lock: the loops read the channel
// map while draining.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.done.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// Status reports the running state of each channel, keyed by name.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// dispatchOutbound consumes outbound replies from the bus and routes each
// to its channel. Send failures are logged, never retried; the dispatcher
// has already advanced its cursor by the time a reply reaches this loop.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer m.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, ok := m.bus.SubscribeOutbound(ctx)
			if !ok {
				continue
			}
			ch, exists := m.Get(msg.Channel)
			if !exists {
				slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
				continue
			}
			if err := ch.SendMessage(ctx, msg); err != nil {
				slog.Error("error sending message",
					"channel", msg.Channel,
					"chat_id", msg.ChatID,
					"error", err,
				)
			}
		}
	}
}

// dispatchReactions consumes outbound reactions. Same routing and failure
// rules as replies.
func (m *Manager) dispatchReactions(ctx context.Context) {
	defer m.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			r, ok := m.bus.SubscribeReactions(ctx)
			if !ok {
				continue
			}
			ch, exists := m.Get(r.Channel)
			if !exists {
				slog.Warn("unknown channel for outbound reaction", "channel", r.Channel)
				continue
			}
			if err := ch.SendReaction(ctx, r); err != nil {
				slog.Error("error sending reaction",
					"channel", r.Channel,
					"chat_id", r.ChatID,
					"error", err,
				)
			}
		}
	}
}
