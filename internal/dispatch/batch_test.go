package dispatch

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

func TestMergeBatchSingleSender(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	batch := []bus.InboundMessage{
		{ChatID: -100, TopicID: 7, MessageID: 11, SenderName: "Alice", Content: "first", Timestamp: base, ChatTitle: "Ops"},
		{ChatID: -100, TopicID: 7, MessageID: 12, SenderName: "Alice", Content: "second", Timestamp: base.Add(time.Second)},
	}

	got := MergeBatch(batch)
	if got.Text != "first\nsecond" {
		t.Errorf("text = %q, want %q", got.Text, "first\nsecond")
	}
	if got.Sender != "Alice" {
		t.Errorf("sender = %q, want Alice", got.Sender)
	}
	if got.ReplyTo != 12 {
		t.Errorf("reply target = %d, want newest id 12", got.ReplyTo)
	}
	if got.ChatTitle != "Ops" {
		t.Errorf("chat title = %q, want Ops", got.ChatTitle)
	}
}

func TestMergeBatchMultiSenderSortsByTimestamp(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// Deliberately out of order.
	batch := []bus.InboundMessage{
		{MessageID: 22, SenderName: "Bob", Content: "later", Timestamp: base.Add(2 * time.Second)},
		{MessageID: 21, SenderName: "Alice", Content: "earlier", Timestamp: base},
	}

	got := MergeBatch(batch)
	want := "[Alice]: earlier\n[Bob]: later"
	if got.Text != want {
		t.Errorf("text = %q, want %q", got.Text, want)
	}
	if got.Sender != multiSenderLabel {
		t.Errorf("sender = %q, want %q", got.Sender, multiSenderLabel)
	}
	if got.ReplyTo != 22 {
		t.Errorf("reply target = %d, want 22", got.ReplyTo)
	}
	if !got.Oldest.Equal(base) || !got.Newest.Equal(base.Add(2*time.Second)) {
		t.Errorf("span = %v..%v", got.Oldest, got.Newest)
	}
}

func TestMergeBatchEmpty(t *testing.T) {
	if got := MergeBatch(nil); got.Text != "" || got.ReplyTo != 0 {
		t.Errorf("got %+v, want zero value", got)
	}
}
