package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Sync-state keys.
const (
	SyncKeyUpdateOffset = "telegram_update_offset"
	SyncKeyLastChatSync = "last_chat_sync"
)

// GetSyncState returns the value for key, or empty when unset.
func (s *Store) GetSyncState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync state %q: %w", key, err)
	}
	return v, nil
}

// SetSyncState upserts one key.
func (s *Store) SetSyncState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set sync state %q: %w", key, err)
	}
	return nil
}
