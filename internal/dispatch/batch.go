package dispatch

import (
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// multiSenderLabel is the batch sender name when more than one person
// spoke inside the quiet window.
const multiSenderLabel = "multiple"

// MergedBatch flattens one debouncer flush into the values dispatch needs:
// the merged text in timestamp order, a batch-level sender label, and the
// newest message id as the reply target.
type MergedBatch struct {
	Channel   string
	ChatID    int64
	TopicID   int64
	ChatType  string
	ChatTitle string
	TopicName string
	Sender    string
	Text      string
	ReplyTo   int
	Oldest    time.Time
	Newest    time.Time
}

// MergeBatch merges the buffered messages of one (chat, topic). With a
// single sender the lines are joined as-is; with several, each line gets a
// [sender]: prefix and the batch is labeled as coming from multiple people.
func MergeBatch(batch []bus.InboundMessage) MergedBatch {
	if len(batch) == 0 {
		return MergedBatch{}
	}

	msgs := make([]bus.InboundMessage, len(batch))
	copy(msgs, batch)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	senders := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		senders[m.SenderName] = true
	}
	multi := len(senders) > 1

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if multi {
			lines = append(lines, "["+m.SenderName+"]: "+m.Content)
		} else {
			lines = append(lines, m.Content)
		}
	}

	first, last := msgs[0], msgs[len(msgs)-1]
	out := MergedBatch{
		Channel:   first.Channel,
		ChatID:    first.ChatID,
		TopicID:   first.TopicID,
		Sender:    first.SenderName,
		Text:      strings.Join(lines, "\n"),
		ReplyTo:   last.MessageID,
		Oldest:    first.Timestamp,
		Newest:    last.Timestamp,
	}
	if multi {
		out.Sender = multiSenderLabel
	}
	// Chat metadata can be missing on some events; take the newest that
	// carries it.
	for i := len(msgs) - 1; i >= 0; i-- {
		if out.ChatType == "" {
			out.ChatType = msgs[i].ChatType
		}
		if out.ChatTitle == "" {
			out.ChatTitle = msgs[i].ChatTitle
		}
		if out.TopicName == "" {
			out.TopicName = msgs[i].TopicName
		}
	}
	return out
}
