package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message types.
const (
	MessageTypeText          = "text"
	MessageTypeReaction      = "reaction"
	MessageTypeAgentResponse = "agent_response"
)

// Message is one stored chat event. Reaction rows carry the emoji
// fields and an empty content; agent responses carry the worker session
// that produced them.
type Message struct {
	ChatID          int64
	TopicID         int64
	ID              int
	SenderID        int64
	SenderName      string
	Content         string
	Type            string
	Timestamp       time.Time
	IsBot           bool
	ReplyTo         int
	ReactionEmoji   string
	ReactionAction  string
	TargetMessageID int
	WorkerSessionID string
}

// StoreMessage persists m. Replays of the same (chat, topic, id) are
// ignored, so at-least-once delivery from the platform cannot duplicate
// rows.
func (s *Store) StoreMessage(ctx context.Context, m Message) error {
	if m.Type == "" {
		m.Type = MessageTypeText
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(chat_id, topic_id, id, sender_id, sender_name, content, type,
			 timestamp, is_bot, reply_to, reaction_emoji, reaction_action,
			 target_message_id, worker_session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.TopicID, m.ID, m.SenderID, m.SenderName, m.Content, m.Type,
		FormatTime(m.Timestamp), m.IsBot, nullInt(m.ReplyTo),
		nullString(m.ReactionEmoji), nullString(m.ReactionAction),
		nullInt(m.TargetMessageID), nullString(m.WorkerSessionID))
	if err != nil {
		return fmt.Errorf("store message %d/%d/%d: %w", m.ChatID, m.TopicID, m.ID, err)
	}
	return nil
}

// MessagesSince returns text messages in (chat, topic) strictly newer
// than since, oldest first. Rows whose content starts with
// excludePrefix are skipped; that is how the dispatcher keeps its own
// relayed replies out of the next prompt.
func (s *Store) MessagesSince(ctx context.Context, chatID, topicID int64, since time.Time, excludePrefix string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, topic_id, id, sender_id, sender_name, content, type,
		       timestamp, is_bot, reply_to, reaction_emoji, reaction_action,
		       target_message_id, worker_session_id
		FROM messages
		WHERE chat_id = ? AND topic_id = ? AND type = 'text'
		  AND timestamp > ?
		  AND (? = '' OR substr(content, 1, length(?)) <> ?)
		ORDER BY timestamp, id`,
		chatID, topicID, FormatTime(since), excludePrefix, excludePrefix, excludePrefix)
	if err != nil {
		return nil, fmt.Errorf("messages since %d/%d: %w", chatID, topicID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MessageByID finds a message by its platform id within a chat,
// regardless of topic. Used to resolve reaction targets, whose updates
// do not carry a thread id.
func (s *Store) MessageByID(ctx context.Context, chatID int64, messageID int) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, topic_id, id, sender_id, sender_name, content, type,
		       timestamp, is_bot, reply_to, reaction_emoji, reaction_action,
		       target_message_id, worker_session_id
		FROM messages
		WHERE chat_id = ? AND id = ?
		LIMIT 1`, chatID, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message by id %d/%d: %w", chatID, messageID, err)
	}
	return m, nil
}

// MessageCount reports how many messages a chat has accumulated.
func (s *Store) MessageCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count %d: %w", chatID, err)
	}
	return n, nil
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var ts string
	var replyTo, targetID sql.NullInt64
	var emoji, action, workerSession sql.NullString
	if err := r.Scan(&m.ChatID, &m.TopicID, &m.ID, &m.SenderID, &m.SenderName,
		&m.Content, &m.Type, &ts, &m.IsBot, &replyTo, &emoji, &action,
		&targetID, &workerSession); err != nil {
		return nil, err
	}
	m.Timestamp = parseStoredTime(ts)
	m.ReplyTo = int(replyTo.Int64)
	m.ReactionEmoji = emoji.String
	m.ReactionAction = action.String
	m.TargetMessageID = int(targetID.Int64)
	m.WorkerSessionID = workerSession.String
	return &m, nil
}
