package bus

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]InboundMessage
	notify  chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{notify: make(chan struct{}, 16)}
}

func (r *flushRecorder) flush(batch []InboundMessage) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *flushRecorder) wait(t *testing.T, n int, timeout time.Duration) [][]InboundMessage {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for flush %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]InboundMessage, len(r.batches))
	copy(out, r.batches)
	return out
}

func msg(chat, topic int64, content string) InboundMessage {
	return InboundMessage{
		Channel: "telegram",
		ChatID:  chat,
		TopicID: topic,
		Content: content,
		Kind:    KindText,
	}
}

func TestDebouncerMergesBurst(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(30*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(msg(1, 0, "hello"))
	d.Push(msg(1, 0, "world"))
	d.Push(msg(1, 0, "!"))

	batches := rec.wait(t, 1, 2*time.Second)
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("got %d messages in batch, want 3", len(batches[0]))
	}
	if batches[0][0].Content != "hello" || batches[0][2].Content != "!" {
		t.Errorf("batch order wrong: %q ... %q", batches[0][0].Content, batches[0][2].Content)
	}
}

func TestDebouncerSeparateKeys(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(20*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(msg(1, 0, "a"))
	d.Push(msg(1, 7, "b"))
	d.Push(msg(2, 0, "c"))

	if got := d.PendingGroups(); got != 3 {
		t.Errorf("PendingGroups = %d, want 3", got)
	}

	batches := rec.wait(t, 3, 2*time.Second)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	for _, b := range batches {
		if len(b) != 1 {
			t.Errorf("cross-key merge: batch has %d messages, want 1", len(b))
		}
	}
}

func TestDebouncerQuietWindowRestarts(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(60*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(msg(1, 0, "first"))
	time.Sleep(30 * time.Millisecond)
	d.Push(msg(1, 0, "second"))

	// The first push's window would have expired by now if Push did not
	// restart it.
	time.Sleep(30 * time.Millisecond)
	rec.mu.Lock()
	early := len(rec.batches)
	rec.mu.Unlock()
	if early != 0 {
		t.Fatalf("flushed %d batches before quiet window elapsed", early)
	}

	batches := rec.wait(t, 1, 2*time.Second)
	if len(batches[0]) != 2 {
		t.Errorf("got %d messages, want 2 merged", len(batches[0]))
	}
}

func TestDebouncerStopFlushesPending(t *testing.T) {
	rec := newFlushRecorder()
	// Long window so the flush can only come from Stop itself.
	d := NewInboundDebouncer(time.Hour, rec.flush)

	d.Push(msg(1, 0, "pending-a"))
	d.Push(msg(2, 0, "pending-b"))
	d.Stop()

	rec.mu.Lock()
	n := len(rec.batches)
	rec.mu.Unlock()
	if n != 2 {
		t.Fatalf("Stop flushed %d batches synchronously, want 2", n)
	}

	d.Push(msg(1, 0, "after stop"))
	if got := d.PendingGroups(); got != 0 {
		t.Errorf("Push after Stop queued %d groups, want 0", got)
	}
}
