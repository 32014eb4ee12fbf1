package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const mainChatID = int64(1000)

type fakePool struct {
	mu   sync.Mutex
	jobs []sandbox.Job
	out  *protocol.WorkerOutput
	err  error
}

func (f *fakePool) Run(ctx context.Context, job sandbox.Job) (*protocol.WorkerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.out, f.err
}

func (f *fakePool) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakePool) lastJob(t *testing.T) sandbox.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		t.Fatal("no worker job was run")
	}
	return f.jobs[len(f.jobs)-1]
}

type fixture struct {
	d     *Dispatcher
	cfg   *config.Config
	st    *store.Store
	state *sessions.State
	reg   *registry.Registry
	b     *bus.MessageBus
	pool  *fakePool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Telegram.MainChatID = mainChatID

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	state, err := sessions.LoadState(cfg.StatePath())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		t.Fatalf("Load registry: %v", err)
	}

	pool := &fakePool{out: &protocol.WorkerOutput{
		Status: protocol.StatusSuccess, Result: "hello from the agent", NewSessionID: "sess-1",
	}}
	b := bus.NewMessageBus()

	d := New(Options{
		Config:         cfg,
		Store:          st,
		State:          state,
		Router:         sessions.NewRouter(st, mainChatID),
		Registry:       reg,
		Pool:           pool,
		Bus:            b,
		DebounceWindow: 20 * time.Millisecond,
	})
	return &fixture{d: d, cfg: cfg, st: st, state: state, reg: reg, b: b, pool: pool}
}

func (fx *fixture) register(t *testing.T, chatID int64, mode string) {
	t.Helper()
	err := fx.reg.Register(registry.RegisteredChat{
		ChatID: chatID, ChatType: "group", ChatTitle: "Alpha Team", TriggerMode: mode,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func (fx *fixture) seedText(t *testing.T, chatID, topicID int64, id int, sender, content string, ts time.Time) {
	t.Helper()
	err := fx.st.StoreMessage(context.Background(), store.Message{
		ChatID: chatID, TopicID: topicID, ID: id,
		SenderName: sender, Content: content,
		Type: store.MessageTypeText, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
}

func inboundText(chatID, topicID int64, id int, sender, content string, ts time.Time) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: "telegram", ChatID: chatID, TopicID: topicID, MessageID: id,
		SenderName: sender, Content: content, ChatType: "group", ChatTitle: "Alpha Team",
		Timestamp: ts, Kind: bus.KindText,
	}
}

func recvOutbound(t *testing.T, b *bus.MessageBus, within time.Duration) (bus.OutboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	return b.SubscribeOutbound(ctx)
}

func TestHandleBatchDispatchesAndReplies(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, -100, registry.TriggerAlways)
	now := time.Now().UTC().Truncate(time.Millisecond)
	fx.seedText(t, -100, 0, 11, "Alice", "what is the status?", now.Add(-2*time.Second))
	fx.seedText(t, -100, 0, 12, "Alice", "anyone?", now.Add(-time.Second))

	fx.d.HandleBatch(context.Background(), []bus.InboundMessage{
		inboundText(-100, 0, 11, "Alice", "what is the status?", now.Add(-2*time.Second)),
		inboundText(-100, 0, 12, "Alice", "anyone?", now.Add(-time.Second)),
	})

	job := fx.pool.lastJob(t)
	if job.Folder != "alpha-team" {
		t.Errorf("folder = %q, want alpha-team", job.Folder)
	}
	if !strings.Contains(job.Prompt, "<messages>") ||
		!strings.Contains(job.Prompt, "what is the status?") ||
		!strings.Contains(job.Prompt, "anyone?") {
		t.Errorf("prompt missing stored content:\n%s", job.Prompt)
	}
	if job.SessionID != "" {
		t.Errorf("first run should start without a session, got %q", job.SessionID)
	}
	if job.SessionKey != "telegram:-100:0" {
		t.Errorf("session key = %q", job.SessionKey)
	}

	out, ok := recvOutbound(t, fx.b, time.Second)
	if !ok {
		t.Fatal("no outbound reply")
	}
	if out.Content != "Nanomi: hello from the agent" {
		t.Errorf("reply = %q", out.Content)
	}
	if out.ReplyTo != 12 {
		t.Errorf("reply_to = %d, want newest inbound id 12", out.ReplyTo)
	}
	if out.ChatID != -100 || out.TopicID != 0 {
		t.Errorf("reply went to (%d,%d)", out.ChatID, out.TopicID)
	}

	if got := fx.state.Session("alpha-team"); got != "sess-1" {
		t.Errorf("session = %q, want sess-1", got)
	}
	if fx.state.LastAgent("alpha-team").IsZero() {
		t.Error("agent timestamp should advance after a successful reply")
	}
}

func TestHandleBatchUnregisteredChatDropped(t *testing.T) {
	fx := newFixture(t)
	now := time.Now()
	fx.seedText(t, -100, 0, 11, "Alice", "hi", now)

	fx.d.HandleBatch(context.Background(), []bus.InboundMessage{
		inboundText(-100, 0, 11, "Alice", "hi", now),
	})

	if fx.pool.jobCount() != 0 {
		t.Error("unregistered chat must not reach the pool")
	}
}

func TestHandleBatchPromptExcludesAnsweredAndAgentRows(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, -100, registry.TriggerAlways)

	folder, err := fx.d.router.Resolve(context.Background(), -100, "Alpha Team", 0, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := fx.state.SetLastAgent(folder, now.Add(-time.Minute)); err != nil {
		t.Fatalf("SetLastAgent: %v", err)
	}

	fx.seedText(t, -100, 0, 10, "Alice", "old and answered", now.Add(-2*time.Minute))
	fx.seedText(t, -100, 0, 11, "Alice", "fresh question", now.Add(-time.Second))
	// The bot's own reply, excluded by prefix and type.
	err = fx.st.StoreMessage(context.Background(), store.Message{
		ChatID: -100, TopicID: 0, ID: 12, SenderName: "Nanomi",
		Content: "Nanomi: earlier answer", Type: store.MessageTypeAgentResponse,
		Timestamp: now.Add(-30 * time.Second), IsBot: true,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	fx.d.HandleBatch(context.Background(), []bus.InboundMessage{
		inboundText(-100, 0, 11, "Alice", "fresh question", now.Add(-time.Second)),
	})

	prompt := fx.pool.lastJob(t).Prompt
	if !strings.Contains(prompt, "fresh question") {
		t.Errorf("prompt missing new message:\n%s", prompt)
	}
	if strings.Contains(prompt, "old and answered") {
		t.Errorf("prompt contains already-answered message:\n%s", prompt)
	}
	if strings.Contains(prompt, "earlier answer") {
		t.Errorf("prompt contains the bot's own reply:\n%s", prompt)
	}
}

func TestHandleBatchWorkerErrorAbandonsReply(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, -100, registry.TriggerAlways)
	fx.pool.out = &protocol.WorkerOutput{
		Status: protocol.StatusError, Error: "boom", NewSessionID: "sess-err",
	}
	now := time.Now()
	fx.seedText(t, -100, 0, 11, "Alice", "hi", now)

	fx.d.HandleBatch(context.Background(), []bus.InboundMessage{
		inboundText(-100, 0, 11, "Alice", "hi", now),
	})

	if _, ok := recvOutbound(t, fx.b, 50*time.Millisecond); ok {
		t.Error("worker error must not produce a reply")
	}
	if !fx.state.LastAgent("alpha-team").IsZero() {
		t.Error("agent timestamp must not advance on worker error")
	}
	// A session id still persists even when the run failed.
	if got := fx.state.Session("alpha-team"); got != "sess-err" {
		t.Errorf("session = %q, want sess-err", got)
	}
}

func TestHandleBatchEmptyResultMeansSilence(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, -100, registry.TriggerAlways)
	fx.pool.out = &protocol.WorkerOutput{Status: protocol.StatusSuccess, Result: "   "}
	now := time.Now()
	fx.seedText(t, -100, 0, 11, "Alice", "hi", now)

	fx.d.HandleBatch(context.Background(), []bus.InboundMessage{
		inboundText(-100, 0, 11, "Alice", "hi", now),
	})

	if _, ok := recvOutbound(t, fx.b, 50*time.Millisecond); ok {
		t.Error("empty result must not produce a reply")
	}
	if !fx.state.LastAgent("alpha-team").IsZero() {
		t.Error("agent timestamp must not advance without a reply")
	}
}

func TestHandleReaction(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	seedTarget := func(t *testing.T, fx *fixture, isBot bool) {
		msgType := store.MessageTypeText
		if isBot {
			msgType = store.MessageTypeAgentResponse
		}
		err := fx.st.StoreMessage(context.Background(), store.Message{
			ChatID: -100, TopicID: 7, ID: 50, SenderName: "someone",
			Content: "target", Type: msgType, Timestamp: now.Add(-time.Minute), IsBot: isBot,
		})
		if err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}
	reaction := func(action string) bus.InboundMessage {
		return bus.InboundMessage{
			Channel: "telegram", ChatID: -100, MessageID: 900001, SenderName: "Eve",
			ChatType: "group", ChatTitle: "Alpha Team", Timestamp: now,
			Kind: bus.KindReaction, Emoji: "👍", ReactionAction: action, TargetMessageID: 50,
		}
	}

	t.Run("added on bot message fires in mention mode", func(t *testing.T) {
		fx := newFixture(t)
		fx.register(t, -100, registry.TriggerMention)
		seedTarget(t, fx, true)

		fx.d.HandleReaction(context.Background(), reaction("added"))

		job := fx.pool.lastJob(t)
		want := `<reaction reactor="Eve" emoji="👍" target_message_id="50"/>`
		if job.Prompt != want {
			t.Errorf("prompt = %q, want %q", job.Prompt, want)
		}
		out, ok := recvOutbound(t, fx.b, time.Second)
		if !ok {
			t.Fatal("no outbound reply")
		}
		if out.ReplyTo != 0 {
			t.Errorf("reaction reply must not quote, got reply_to %d", out.ReplyTo)
		}
		if out.TopicID != 7 {
			t.Errorf("reply topic = %d, want target's topic 7", out.TopicID)
		}
	})

	t.Run("removed is ignored", func(t *testing.T) {
		fx := newFixture(t)
		fx.register(t, -100, registry.TriggerAlways)
		seedTarget(t, fx, true)

		fx.d.HandleReaction(context.Background(), reaction("removed"))
		if fx.pool.jobCount() != 0 {
			t.Error("removed reaction must not dispatch")
		}
	})

	t.Run("user target in mention mode does not fire", func(t *testing.T) {
		fx := newFixture(t)
		fx.register(t, -100, registry.TriggerMention)
		seedTarget(t, fx, false)

		fx.d.HandleReaction(context.Background(), reaction("added"))
		if fx.pool.jobCount() != 0 {
			t.Error("reaction to a user message must not dispatch in mention mode")
		}
	})

	t.Run("user target fires when trigger is always", func(t *testing.T) {
		fx := newFixture(t)
		fx.register(t, -100, registry.TriggerAlways)
		seedTarget(t, fx, false)

		fx.d.HandleReaction(context.Background(), reaction("added"))
		if fx.pool.jobCount() != 1 {
			t.Error("always mode should dispatch any added reaction")
		}
	})
}

func TestRunTaskContextModes(t *testing.T) {
	now := time.Now()
	task := store.Task{
		ID: "task-1", ChatID: -100, TopicID: 0, Folder: "alpha-team",
		Prompt: "summarize the day", ScheduleType: "interval", ScheduleValue: "60000",
		Status: store.TaskStatusActive, CreatedAt: now,
	}

	t.Run("group resumes and persists session", func(t *testing.T) {
		fx := newFixture(t)
		if err := fx.state.SetSession("alpha-team", "sess-live"); err != nil {
			t.Fatalf("SetSession: %v", err)
		}
		fx.pool.out = &protocol.WorkerOutput{
			Status: protocol.StatusSuccess, Result: "done", NewSessionID: "sess-next",
		}

		tk := task
		tk.ContextMode = store.ContextModeGroup
		got, err := fx.d.RunTask(context.Background(), tk)
		if err != nil {
			t.Fatalf("RunTask: %v", err)
		}
		if got != "done" {
			t.Errorf("result = %q, want done", got)
		}

		job := fx.pool.lastJob(t)
		if job.SessionID != "sess-live" {
			t.Errorf("session id = %q, want sess-live", job.SessionID)
		}
		if !job.IsScheduledTask {
			t.Error("job should be marked scheduled")
		}
		if job.Prompt != "summarize the day" {
			t.Errorf("prompt = %q", job.Prompt)
		}
		if got := fx.state.Session("alpha-team"); got != "sess-next" {
			t.Errorf("persisted session = %q, want sess-next", got)
		}
	})

	t.Run("isolated starts fresh and discards session", func(t *testing.T) {
		fx := newFixture(t)
		if err := fx.state.SetSession("alpha-team", "sess-live"); err != nil {
			t.Fatalf("SetSession: %v", err)
		}
		fx.pool.out = &protocol.WorkerOutput{
			Status: protocol.StatusSuccess, Result: "done", NewSessionID: "sess-throwaway",
		}

		tk := task
		tk.ContextMode = store.ContextModeIsolated
		if _, err := fx.d.RunTask(context.Background(), tk); err != nil {
			t.Fatalf("RunTask: %v", err)
		}

		if job := fx.pool.lastJob(t); job.SessionID != "" {
			t.Errorf("isolated run got session %q, want none", job.SessionID)
		}
		if got := fx.state.Session("alpha-team"); got != "sess-live" {
			t.Errorf("session = %q, isolated run must not replace sess-live", got)
		}
	})

	t.Run("worker error becomes the run error", func(t *testing.T) {
		fx := newFixture(t)
		fx.pool.out = &protocol.WorkerOutput{Status: protocol.StatusError, Error: "model refused"}

		_, err := fx.d.RunTask(context.Background(), task)
		if err == nil || !strings.Contains(err.Error(), "model refused") {
			t.Errorf("err = %v, want the worker error", err)
		}
	})
}

func TestWriteSnapshotsPrivilege(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, -100, registry.TriggerAlways)
	fx.register(t, -200, registry.TriggerMention)

	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	for _, tk := range []store.Task{
		{ID: "t-main", ChatID: mainChatID, Folder: "main", Prompt: "a", ScheduleType: "interval",
			ScheduleValue: "60000", ContextMode: "group", NextRun: &next, Status: store.TaskStatusActive, CreatedAt: time.Now()},
		{ID: "t-alpha", ChatID: -100, Folder: "alpha-team", Prompt: "b", ScheduleType: "interval",
			ScheduleValue: "60000", ContextMode: "group", NextRun: &next, Status: store.TaskStatusActive, CreatedAt: time.Now()},
	} {
		if err := fx.st.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	readTasks := func(t *testing.T, folder string) []map[string]any {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(fx.cfg.MailboxDir(folder), "current_tasks.json"))
		if err != nil {
			t.Fatalf("read tasks snapshot: %v", err)
		}
		var out []map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("parse tasks snapshot: %v", err)
		}
		return out
	}
	readChats := func(t *testing.T, folder string) map[string]any {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(fx.cfg.MailboxDir(folder), "available_chats.json"))
		if err != nil {
			t.Fatalf("read chats snapshot: %v", err)
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("parse chats snapshot: %v", err)
		}
		return out
	}

	if err := fx.d.writeSnapshots(ctx, "main", true); err != nil {
		t.Fatalf("writeSnapshots main: %v", err)
	}
	if got := readTasks(t, "main"); len(got) != 2 {
		t.Errorf("main sees %d tasks, want all 2", len(got))
	}
	mainChats, _ := readChats(t, "main")["chats"].([]any)
	if len(mainChats) != 2 {
		t.Errorf("main sees %d chats, want the whole registry (2)", len(mainChats))
	}

	if err := fx.d.writeSnapshots(ctx, "alpha-team", false); err != nil {
		t.Fatalf("writeSnapshots alpha-team: %v", err)
	}
	got := readTasks(t, "alpha-team")
	if len(got) != 1 || got[0]["id"] != "t-alpha" {
		t.Errorf("workspace sees %v, want only its own task", got)
	}
	list, _ := readChats(t, "alpha-team")["chats"].([]any)
	if len(list) != 0 {
		t.Errorf("non-main sees %d chats, want empty list", len(list))
	}
}

func TestBuildJobAppliesContainerOverrides(t *testing.T) {
	fx := newFixture(t)
	err := fx.reg.Register(registry.RegisteredChat{
		ChatID: -100, ChatType: "group", ChatTitle: "Alpha Team", TriggerMode: registry.TriggerAlways,
		Container: &registry.ContainerOverrides{
			TimeoutSecs: 42,
			Env:         map[string]string{"AGENT_MODE": "review"},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	job, err := fx.d.buildJob(promptRun{
		Folder: "alpha-team", ChatID: -100, TopicID: 0, ChatType: "group", Prompt: "p",
	})
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}

	if job.Timeout != 42*time.Second {
		t.Errorf("timeout = %v, want 42s", job.Timeout)
	}
	if job.Env["AGENT_MODE"] != "review" {
		t.Errorf("env = %v, want AGENT_MODE=review", job.Env)
	}

	wantHosts := []string{
		fx.cfg.GroupDir("alpha-team"),
		fx.cfg.ClaudeDir("alpha-team"),
		fx.cfg.MailboxDir("alpha-team"),
	}
	for _, want := range wantHosts {
		found := false
		for _, m := range job.Mounts {
			if m.Host == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("mounts missing %s: %+v", want, job.Mounts)
		}
	}
	for _, sub := range []string{"messages", "tasks", "errors"} {
		if _, err := os.Stat(filepath.Join(fx.cfg.MailboxDir("alpha-team"), sub)); err != nil {
			t.Errorf("mailbox %s dir not prepared: %v", sub, err)
		}
	}
}

func TestIngestEndToEnd(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, -100, registry.TriggerMention)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.d.Start(ctx)

	now := time.Now().UTC().Truncate(time.Millisecond)
	// Does not mention the assistant: recorded but never dispatched.
	fx.b.PublishInbound(inboundText(-100, 0, 20, "Alice", "just chatting", now.Add(-2*time.Second)))
	// Mentions the assistant: triggers a debounced dispatch.
	fx.b.PublishInbound(inboundText(-100, 0, 21, "Alice", "@Nanomi what time is it?", now.Add(-time.Second)))

	deadline := time.Now().Add(2 * time.Second)
	for fx.pool.jobCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fx.pool.jobCount() != 1 {
		t.Fatalf("got %d jobs, want 1", fx.pool.jobCount())
	}

	// Both messages were recorded, so the prompt includes the quiet one.
	count, err := fx.st.MessageCount(context.Background(), -100)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 2 {
		t.Errorf("stored %d messages, want 2", count)
	}
	prompt := fx.pool.lastJob(t).Prompt
	if !strings.Contains(prompt, "just chatting") || !strings.Contains(prompt, "what time is it?") {
		t.Errorf("prompt should carry all unanswered store content:\n%s", prompt)
	}
}

func TestEmitMessageAddsAssistantPrefix(t *testing.T) {
	fx := newFixture(t)

	if err := fx.d.EmitMessage(context.Background(), -100, 7, "deploy finished"); err != nil {
		t.Fatalf("EmitMessage: %v", err)
	}
	out, ok := recvOutbound(t, fx.b, time.Second)
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Content != "Nanomi: deploy finished" {
		t.Errorf("content = %q", out.Content)
	}
	if out.ChatID != -100 || out.TopicID != 7 || out.ReplyTo != 0 {
		t.Errorf("routing = %+v", out)
	}

	if err := fx.d.EmitReaction(context.Background(), -100, 42, "🎉"); err != nil {
		t.Fatalf("EmitReaction: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, ok := fx.b.SubscribeReactions(ctx)
	if !ok {
		t.Fatal("no outbound reaction")
	}
	if r.MessageID != 42 || r.Emoji != "🎉" {
		t.Errorf("reaction = %+v", r)
	}
}
