package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionBinding maps a stable binding key (a chat, or a recurring task) to
// a persistent agent session, optionally remembering the owning chat id.
type SessionBinding struct {
	BindingKey string
	SessionID  string
	ChatID     *int64
	CreatedAt  int64
	UpdatedAt  int64
}

// BindingsRepo persists session bindings.
type BindingsRepo struct {
	q dbtx
}

// GetByBindingKey returns the binding for key, or nil when absent.
func (r *BindingsRepo) GetByBindingKey(ctx context.Context, key string) (*SessionBinding, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT binding_key, session_id, chat_id, created_at, updated_at
		FROM session_bindings WHERE binding_key = ?`, key)

	var b SessionBinding
	err := row.Scan(&b.BindingKey, &b.SessionID, &b.ChatID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get binding %s: %w", key, err)
	}
	return &b, nil
}

// Upsert writes a binding, replacing the session id on conflict.
func (r *BindingsRepo) Upsert(ctx context.Context, b *SessionBinding) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO session_bindings (binding_key, session_id, chat_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (binding_key) DO UPDATE SET
			session_id = excluded.session_id,
			chat_id = COALESCE(excluded.chat_id, session_bindings.chat_id),
			updated_at = excluded.updated_at`,
		b.BindingKey, b.SessionID, b.ChatID, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert binding %s: %w", b.BindingKey, err)
	}
	return nil
}

// GetTelegramChatIDBySessionID reverse-maps an agent session to the chat it
// belongs to. Returns 0 when no binding carries a chat id.
func (r *BindingsRepo) GetTelegramChatIDBySessionID(ctx context.Context, sessionID string) (int64, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT chat_id FROM session_bindings
		WHERE session_id = ? AND chat_id IS NOT NULL
		ORDER BY updated_at DESC LIMIT 1`, sessionID)

	var chatID int64
	err := row.Scan(&chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("chat id for session %s: %w", sessionID, err)
	}
	return chatID, nil
}
