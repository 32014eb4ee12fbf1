package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Chat is one platform conversation. Only registered chats are ever
// dispatched, but every observed chat gets a row so titles and activity
// are known at registration time.
type Chat struct {
	ChatID       int64
	ChatType     string // "private", "group", "supergroup", "channel"
	Title        string
	LastActivity time.Time
}

// Topic is a forum thread within a chat. TopicID 0 is the general
// thread. Folder is the workspace assigned by the session router; once
// written it never changes.
type Topic struct {
	ChatID       int64
	TopicID      int64
	Name         string
	Folder       string
	TriggerMode  string
	LastActivity time.Time
}

// UpsertChat inserts or refreshes a chat row.
func (s *Store) UpsertChat(ctx context.Context, c Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, chat_type, title, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			chat_type = excluded.chat_type,
			title = excluded.title,
			last_activity = excluded.last_activity`,
		c.ChatID, c.ChatType, c.Title, FormatTime(c.LastActivity))
	if err != nil {
		return fmt.Errorf("upsert chat %d: %w", c.ChatID, err)
	}
	return nil
}

// ChatByID returns the chat or nil when unknown.
func (s *Store) ChatByID(ctx context.Context, chatID int64) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, chat_type, title, last_activity
		FROM chats WHERE chat_id = ?`, chatID)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat by id %d: %w", chatID, err)
	}
	return c, nil
}

// ListChats returns all observed chats, most recently active first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, chat_type, title, last_activity
		FROM chats ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpsertTopic inserts a topic or refreshes its name, trigger mode and
// activity. Folder is written once on insert and deliberately excluded
// from the update set: workspace assignment is permanent.
func (s *Store) UpsertTopic(ctx context.Context, t Topic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (chat_id, topic_id, name, folder, trigger_mode, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, topic_id) DO UPDATE SET
			name = excluded.name,
			trigger_mode = excluded.trigger_mode,
			last_activity = excluded.last_activity`,
		t.ChatID, t.TopicID, t.Name, t.Folder, t.TriggerMode, FormatTime(t.LastActivity))
	if err != nil {
		return fmt.Errorf("upsert topic %d/%d: %w", t.ChatID, t.TopicID, err)
	}
	return nil
}

// TopicByKey returns the topic for (chat, topic id), or nil when the
// pair has never been seen.
func (s *Store) TopicByKey(ctx context.Context, chatID, topicID int64) (*Topic, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, topic_id, name, folder, trigger_mode, last_activity
		FROM topics WHERE chat_id = ? AND topic_id = ?`, chatID, topicID)
	t, err := scanTopic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("topic by key %d/%d: %w", chatID, topicID, err)
	}
	return t, nil
}

// TopicByFolder returns the topic owning a workspace folder, or nil.
func (s *Store) TopicByFolder(ctx context.Context, folder string) (*Topic, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, topic_id, name, folder, trigger_mode, last_activity
		FROM topics WHERE folder = ?`, folder)
	t, err := scanTopic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("topic by folder %q: %w", folder, err)
	}
	return t, nil
}

// TopicsForChat lists a chat's topics ordered by topic id.
func (s *Store) TopicsForChat(ctx context.Context, chatID int64) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, topic_id, name, folder, trigger_mode, last_activity
		FROM topics WHERE chat_id = ? ORDER BY topic_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("topics for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (*Chat, error) {
	var c Chat
	var lastActivity string
	if err := r.Scan(&c.ChatID, &c.ChatType, &c.Title, &lastActivity); err != nil {
		return nil, err
	}
	c.LastActivity = parseStoredTime(lastActivity)
	return &c, nil
}

func scanTopic(r rowScanner) (*Topic, error) {
	var t Topic
	var lastActivity string
	if err := r.Scan(&t.ChatID, &t.TopicID, &t.Name, &t.Folder, &t.TriggerMode, &lastActivity); err != nil {
		return nil, err
	}
	t.LastActivity = parseStoredTime(lastActivity)
	return &t, nil
}

// parseStoredTime tolerates empty and malformed stored values, mapping
// them to the zero time.
func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
