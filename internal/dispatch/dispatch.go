// Package dispatch is the supervisor's core loop: it turns inbound chat
// traffic into worker runs and worker results into outbound replies.
//
// Text messages are recorded, trigger-checked, debounced per (chat, topic)
// and flushed as one prompt per quiet window. Reactions dispatch
// immediately. The same engine runs scheduled tasks for the scheduler and
// delivers mailbox sends for the poller, so every path to a worker and back
// to the platform goes through one place.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const (
	defaultChannel        = "telegram"
	defaultDebounceWindow = 2 * time.Second
)

// WorkerPool runs one job and returns the worker's parsed output.
type WorkerPool interface {
	Run(ctx context.Context, job sandbox.Job) (*protocol.WorkerOutput, error)
}

// Options wires a Dispatcher.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	State     *sessions.State
	Router    *sessions.Router
	Registry  *registry.Registry
	Pool      WorkerPool
	Bus       *bus.MessageBus
	Allowlist *sandbox.Allowlist

	// DebounceWindow is how long a (chat, topic) must stay quiet before
	// its buffered messages dispatch. Zero means two seconds.
	DebounceWindow time.Duration
}

// Dispatcher owns the inbound consume loop, the debouncer, and the
// workspace session/timestamp state transitions around each worker run.
type Dispatcher struct {
	cfg    *config.Config
	st     *store.Store
	state  *sessions.State
	router *sessions.Router
	reg    *registry.Registry
	pool   WorkerPool
	bus    *bus.MessageBus
	allow  *sandbox.Allowlist
	window time.Duration

	debounce *bus.InboundDebouncer
}

func New(opts Options) *Dispatcher {
	window := opts.DebounceWindow
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &Dispatcher{
		cfg:    opts.Config,
		st:     opts.Store,
		state:  opts.State,
		router: opts.Router,
		reg:    opts.Registry,
		pool:   opts.Pool,
		bus:    opts.Bus,
		allow:  opts.Allowlist,
		window: window,
	}
}

// Start launches the inbound consume loop. The context governs every
// dispatch, including flushes triggered by Stop, so it must outlive the
// shutdown flush.
func (d *Dispatcher) Start(ctx context.Context) {
	d.debounce = bus.NewInboundDebouncer(d.window, func(batch []bus.InboundMessage) {
		d.HandleBatch(ctx, batch)
	})
	go d.consumeLoop(ctx)
	slog.Info("dispatcher started", "debounce_window", d.window)
}

// Stop flushes all pending debounce buffers synchronously. Call before
// shutting the worker pool down so buffered user messages still get a turn.
func (d *Dispatcher) Stop() {
	if d.debounce != nil {
		d.debounce.Stop()
	}
}

func (d *Dispatcher) consumeLoop(ctx context.Context) {
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.Ingest(ctx, msg)
	}
}

// Ingest records one inbound event and routes it toward dispatch: text goes
// through trigger evaluation and the debouncer, reactions dispatch at once.
func (d *Dispatcher) Ingest(ctx context.Context, msg bus.InboundMessage) {
	d.bus.Broadcast(bus.Event{Name: "message", Payload: msg})

	if msg.Kind == bus.KindReaction {
		d.HandleReaction(ctx, msg)
		return
	}

	d.recordText(ctx, msg)

	isMain := d.isMainChat(msg.ChatID, msg.TopicID)
	dec := registry.EvaluateTrigger(d.reg.Get(msg.ChatID), isMain, msg.Content, d.cfg.AssistantName)
	if !dec.Fire {
		slog.Debug("message does not trigger", "chat", msg.ChatID, "topic", msg.TopicID)
		return
	}

	fired := msg
	fired.Content = dec.Content
	d.debounce.Push(fired)
}

func (d *Dispatcher) recordText(ctx context.Context, msg bus.InboundMessage) {
	err := d.st.StoreMessage(ctx, store.Message{
		ChatID:     msg.ChatID,
		TopicID:    msg.TopicID,
		ID:         msg.MessageID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Type:       store.MessageTypeText,
		Timestamp:  msg.Timestamp,
		IsBot:      msg.IsBot,
		ReplyTo:    msg.ReplyTo,
	})
	if err != nil {
		slog.Error("recording message failed", "chat", msg.ChatID, "id", msg.MessageID, "error", err)
	}

	err = d.st.UpsertChat(ctx, store.Chat{
		ChatID:       msg.ChatID,
		ChatType:     msg.ChatType,
		Title:        msg.ChatTitle,
		LastActivity: msg.Timestamp,
	})
	if err != nil {
		slog.Error("recording chat failed", "chat", msg.ChatID, "error", err)
	}
}

// isMainChat reports whether (chatID, topicID) is the privileged admin
// conversation: the configured main chat, general topic only.
func (d *Dispatcher) isMainChat(chatID, topicID int64) bool {
	return d.cfg.Telegram.MainChatID != 0 &&
		chatID == d.cfg.Telegram.MainChatID &&
		topicID == 0
}
