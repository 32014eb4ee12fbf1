package bus

import (
	"fmt"
	"sync"
	"time"
)

// InboundDebouncer merges rapid consecutive messages from the same
// (chat, topic) into one batch before handing them to flush. Each new
// message restarts the quiet window, so a burst of short messages
// becomes a single agent turn instead of several.
//
// Stop flushes whatever is pending on the caller's goroutine, so a
// shutdown never strands buffered messages.
type InboundDebouncer struct {
	window time.Duration
	flush  func(batch []InboundMessage)

	mu      sync.Mutex
	pending map[string]*pendingBatch
	stopped bool
}

type pendingBatch struct {
	msgs  []InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer returns a debouncer calling flush from a timer
// goroutine once a key has been quiet for window.
func NewInboundDebouncer(window time.Duration, flush func(batch []InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

// Push adds msg to its (chat, topic) batch and restarts that batch's
// quiet window.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := fmt.Sprintf("%d:%d", msg.ChatID, msg.TopicID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if b, ok := d.pending[key]; ok {
		b.msgs = append(b.msgs, msg)
		b.timer.Reset(d.window)
		return
	}

	b := &pendingBatch{msgs: []InboundMessage{msg}}
	b.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = b
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	b, ok := d.pending[key]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.flush(b.msgs)
}

// PendingGroups reports how many (chat, topic) batches are waiting.
func (d *InboundDebouncer) PendingGroups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all timers and synchronously flushes pending batches.
// Push becomes a no-op afterwards.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	remaining := make([][]InboundMessage, 0, len(d.pending))
	for key, b := range d.pending {
		b.timer.Stop()
		remaining = append(remaining, b.msgs)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, msgs := range remaining {
		d.flush(msgs)
	}
}
