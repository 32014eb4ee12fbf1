package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// promptRun is one worker invocation request, whatever triggered it.
type promptRun struct {
	Folder    string
	IsMain    bool
	ChatID    int64
	TopicID   int64
	ChatType  string
	Channel   string
	Prompt    string
	SessionID string
	Scheduled bool

	// DiscardSession drops any new_session_id the worker returns instead
	// of persisting it. Isolated task runs must not hijack the
	// workspace's conversational session.
	DiscardSession bool
}

// HandleBatch is the debouncer flush target. It re-reads the store for the
// authoritative prompt content, runs the worker, and on a successful
// non-empty result advances the workspace's agent timestamp and replies to
// the newest buffered message.
func (d *Dispatcher) HandleBatch(ctx context.Context, batch []bus.InboundMessage) {
	if len(batch) == 0 {
		return
	}
	mb := MergeBatch(batch)

	isMain := d.isMainChat(mb.ChatID, mb.TopicID)
	if !isMain && !d.reg.IsRegistered(mb.ChatID) {
		slog.Debug("dropping batch for unregistered chat", "chat", mb.ChatID)
		return
	}

	folder, err := d.router.Resolve(ctx, mb.ChatID, mb.ChatTitle, mb.TopicID, mb.TopicName)
	if err != nil {
		slog.Error("workspace resolution failed", "chat", mb.ChatID, "topic", mb.TopicID, "error", err)
		return
	}

	since := d.state.LastAgent(folder)
	msgs, err := d.st.MessagesSince(ctx, mb.ChatID, mb.TopicID, since, d.assistantPrefix())
	if err != nil {
		slog.Error("collecting messages failed", "folder", folder, "error", err)
		return
	}
	if len(msgs) == 0 {
		slog.Debug("no unanswered messages", "folder", folder)
		return
	}

	slog.Info("dispatching",
		"folder", folder, "sender", mb.Sender, "buffered", len(batch), "prompt_messages", len(msgs))

	out, err := d.runPrompt(ctx, promptRun{
		Folder:    folder,
		IsMain:    isMain,
		ChatID:    mb.ChatID,
		TopicID:   mb.TopicID,
		ChatType:  mb.ChatType,
		Channel:   mb.Channel,
		Prompt:    BuildPrompt(msgs),
		SessionID: d.state.Session(folder),
	})
	result, ok := d.resultText(folder, out, err)
	if !ok {
		return
	}

	if err := d.state.SetLastAgent(folder, time.Now()); err != nil {
		slog.Error("persisting agent timestamp failed", "folder", folder, "error", err)
	}
	d.send(mb.Channel, mb.ChatID, mb.TopicID, result, mb.ReplyTo)
}

// HandleReaction dispatches an added reaction when the target message was
// authored by the bot, the chat's trigger mode is always, or the reaction
// happened in the main chat. Removed reactions are ignored.
func (d *Dispatcher) HandleReaction(ctx context.Context, msg bus.InboundMessage) {
	if msg.ReactionAction != "added" {
		slog.Debug("ignoring reaction", "chat", msg.ChatID, "action", msg.ReactionAction)
		return
	}

	target, err := d.st.MessageByID(ctx, msg.ChatID, msg.TargetMessageID)
	if err != nil {
		slog.Error("reaction target lookup failed", "chat", msg.ChatID, "target", msg.TargetMessageID, "error", err)
		return
	}
	topicID := int64(0)
	if target != nil {
		topicID = target.TopicID
	}

	isMain := d.isMainChat(msg.ChatID, topicID)
	rc := d.reg.Get(msg.ChatID)
	if !isMain && rc == nil {
		slog.Debug("reaction in unregistered chat", "chat", msg.ChatID)
		return
	}

	d.recordReaction(ctx, msg, topicID)

	botTarget := target != nil && target.IsBot
	always := rc != nil && rc.TriggerMode == registry.TriggerAlways
	if !botTarget && !always && !isMain {
		slog.Debug("reaction does not trigger", "chat", msg.ChatID, "target", msg.TargetMessageID)
		return
	}

	folder, err := d.router.Resolve(ctx, msg.ChatID, msg.ChatTitle, topicID, "")
	if err != nil {
		slog.Error("workspace resolution failed", "chat", msg.ChatID, "topic", topicID, "error", err)
		return
	}

	slog.Info("dispatching reaction",
		"folder", folder, "reactor", msg.SenderName, "emoji", msg.Emoji, "target", msg.TargetMessageID)

	out, err := d.runPrompt(ctx, promptRun{
		Folder:    folder,
		IsMain:    isMain,
		ChatID:    msg.ChatID,
		TopicID:   topicID,
		ChatType:  msg.ChatType,
		Channel:   msg.Channel,
		Prompt:    ReactionPrompt(msg.SenderName, msg.Emoji, msg.TargetMessageID),
		SessionID: d.state.Session(folder),
	})
	result, ok := d.resultText(folder, out, err)
	if !ok {
		return
	}

	if err := d.state.SetLastAgent(folder, time.Now()); err != nil {
		slog.Error("persisting agent timestamp failed", "folder", folder, "error", err)
	}
	// Reaction replies land in the thread without quoting anything.
	d.send(msg.Channel, msg.ChatID, topicID, result, 0)
}

// RunTask executes one scheduled task. Group context resumes the
// workspace's current session; isolated runs start fresh and never persist
// the session they produce. The returned string becomes the task's
// last_result; results are not sent to the chat, agents use the mailbox
// for that.
func (d *Dispatcher) RunTask(ctx context.Context, task store.Task) (string, error) {
	folder := task.Folder
	isMain := folder == sessions.MainWorkspace

	chatType := ""
	if chat, err := d.st.ChatByID(ctx, task.ChatID); err == nil && chat != nil {
		chatType = chat.ChatType
	}

	sessionID := ""
	discard := true
	if task.ContextMode != store.ContextModeIsolated {
		sessionID = d.state.Session(folder)
		discard = false
	}

	out, err := d.runPrompt(ctx, promptRun{
		Folder:         folder,
		IsMain:         isMain,
		ChatID:         task.ChatID,
		TopicID:        task.TopicID,
		ChatType:       chatType,
		Prompt:         task.Prompt,
		SessionID:      sessionID,
		Scheduled:      true,
		DiscardSession: discard,
	})
	if err != nil {
		return "", err
	}
	if !out.Success() {
		msg := out.Error
		if msg == "" {
			msg = "worker reported an error"
		}
		return "", errors.New(msg)
	}
	return strings.TrimSpace(out.Result), nil
}

// runPrompt is the shared invocation core: snapshots, job assembly, the
// pool call, and session persistence.
func (d *Dispatcher) runPrompt(ctx context.Context, r promptRun) (*protocol.WorkerOutput, error) {
	ctx, span := tracing.TraceDispatch(ctx, r.Folder, r.ChatID)
	defer span.End()

	if err := d.writeSnapshots(ctx, r.Folder, r.IsMain); err != nil {
		slog.Warn("snapshot write failed", "folder", r.Folder, "error", err)
	}

	job, err := d.buildJob(r)
	if err != nil {
		tracing.RecordOutcome(span, "error", err)
		return nil, err
	}

	started := time.Now()
	out, err := d.pool.Run(ctx, job)
	elapsed := time.Since(started)

	status := "success"
	if err != nil || out == nil || !out.Success() {
		status = "error"
	}
	tracing.RecordOutcome(span, status, err)
	d.bus.Broadcast(bus.Event{Name: "run", Payload: map[string]any{
		"folder":      r.Folder,
		"scheduled":   r.Scheduled,
		"duration_ms": elapsed.Milliseconds(),
		"status":      status,
	}})

	if err != nil {
		return nil, err
	}
	if out.NewSessionID != "" && !r.DiscardSession {
		if serr := d.state.SetSession(r.Folder, out.NewSessionID); serr != nil {
			slog.Error("persisting worker session failed", "folder", r.Folder, "error", serr)
		}
	}
	return out, nil
}

// resultText unwraps a worker outcome for the chat paths. A run error or
// worker-reported error abandons the reply with a log line; an empty result
// means the agent chose silence.
func (d *Dispatcher) resultText(folder string, out *protocol.WorkerOutput, err error) (string, bool) {
	if err != nil {
		slog.Error("worker run failed, abandoning reply", "folder", folder, "error", err)
		return "", false
	}
	if !out.Success() {
		slog.Error("worker reported error, abandoning reply", "folder", folder, "error", out.Error)
		return "", false
	}
	result := strings.TrimSpace(out.Result)
	if result == "" {
		slog.Debug("worker returned no reply", "folder", folder)
		return "", false
	}
	return result, true
}

func (d *Dispatcher) recordReaction(ctx context.Context, msg bus.InboundMessage, topicID int64) {
	// Reaction updates carry no message id of their own; the channel
	// layer substitutes the platform update id. Without one the event is
	// unstorable, which only costs us history.
	if msg.MessageID == 0 {
		return
	}
	err := d.st.StoreMessage(ctx, store.Message{
		ChatID:          msg.ChatID,
		TopicID:         topicID,
		ID:              msg.MessageID,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Type:            store.MessageTypeReaction,
		Timestamp:       msg.Timestamp,
		ReactionEmoji:   msg.Emoji,
		ReactionAction:  msg.ReactionAction,
		TargetMessageID: msg.TargetMessageID,
	})
	if err != nil {
		slog.Error("recording reaction failed", "chat", msg.ChatID, "error", err)
	}
}

func (d *Dispatcher) assistantPrefix() string {
	return d.cfg.AssistantName + ": "
}

func (d *Dispatcher) send(channel string, chatID, topicID int64, text string, replyTo int) {
	if channel == "" {
		channel = defaultChannel
	}
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		TopicID: topicID,
		Content: d.assistantPrefix() + text,
		ReplyTo: replyTo,
	})
}
