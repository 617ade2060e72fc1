package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// MessageKind is the outbound payload shape.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindDocument MessageKind = "document"
	KindPhoto    MessageKind = "photo"
)

// Priority orders and gates outbound delivery; high and critical bypass
// differently at the notification gate.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// OutboundStatus is the delivery lifecycle state.
type OutboundStatus string

const (
	OutboundQueued OutboundStatus = "queued"
	OutboundSent   OutboundStatus = "sent"
	OutboundFailed OutboundStatus = "failed"
)

// OutboundMessage is a durable at-least-once delivery record. A non-null
// DedupeKey is globally unique; a colliding enqueue is discarded.
type OutboundMessage struct {
	ID            string
	ChatID        int64
	Kind          MessageKind
	Content       string
	MediaPath     *string
	MediaMimeType *string
	MediaFilename *string
	Priority      Priority
	DedupeKey     *string
	Status        OutboundStatus
	AttemptCount  int
	NextAttemptAt int64
	SentAt        *int64
	FailedAt      *int64
	ErrorMessage  *string
	CreatedAt     int64
	UpdatedAt     int64
}

// EnqueueResult reports whether a dedupe-keyed enqueue inserted a row.
type EnqueueResult string

const (
	Enqueued  EnqueueResult = "enqueued"
	Duplicate EnqueueResult = "duplicate"
)

// OutboundRepo persists the outbound delivery queue.
type OutboundRepo struct {
	q dbtx
}

const outboundColumns = `id, chat_id, kind, content, media_path, media_mime_type, media_filename,
	priority, dedupe_key, status, attempt_count, next_attempt_at, sent_at, failed_at,
	error_message, created_at, updated_at`

// Enqueue inserts unconditionally; a dedupe-key collision is an error.
func (r *OutboundRepo) Enqueue(ctx context.Context, m *OutboundMessage) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO outbound_messages (`+outboundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Kind, m.Content, m.MediaPath, m.MediaMimeType, m.MediaFilename,
		m.Priority, m.DedupeKey, m.Status, m.AttemptCount, m.NextAttemptAt,
		m.SentAt, m.FailedAt, m.ErrorMessage, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbound %s: %w", m.ID, err)
	}
	return nil
}

// EnqueueOrIgnoreDedupe inserts unless the dedupe key already exists, in
// which case it reports Duplicate without touching the table.
func (r *OutboundRepo) EnqueueOrIgnoreDedupe(ctx context.Context, m *OutboundMessage) (EnqueueResult, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbound_messages (`+outboundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Kind, m.Content, m.MediaPath, m.MediaMimeType, m.MediaFilename,
		m.Priority, m.DedupeKey, m.Status, m.AttemptCount, m.NextAttemptAt,
		m.SentAt, m.FailedAt, m.ErrorMessage, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbound %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("enqueue outbound %s: %w", m.ID, err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Enqueued, nil
}

// ListDue returns queued messages whose next attempt is at or before now,
// in retry-time order then insertion order.
func (r *OutboundRepo) ListDue(ctx context.Context, now int64) ([]*OutboundMessage, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+outboundColumns+` FROM outbound_messages
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC, id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list due outbound: %w", err)
	}
	defer rows.Close()

	var out []*OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbound: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetByID fetches one outbound record.
func (r *OutboundRepo) GetByID(ctx context.Context, id string) (*OutboundMessage, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+outboundColumns+` FROM outbound_messages WHERE id = ?`, id)
	m, err := scanOutbound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outbound %s: %w", id, err)
	}
	return m, nil
}

// GetByDedupeKey fetches the record holding a dedupe key, if any.
func (r *OutboundRepo) GetByDedupeKey(ctx context.Context, key string) (*OutboundMessage, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+outboundColumns+` FROM outbound_messages WHERE dedupe_key = ?`, key)
	m, err := scanOutbound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outbound by dedupe %s: %w", key, err)
	}
	return m, nil
}

// MarkSent finalizes a delivered message.
func (r *OutboundRepo) MarkSent(ctx context.Context, id string, attemptCount int, sentAt int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE outbound_messages SET status = 'sent', attempt_count = ?, sent_at = ?,
			error_message = NULL, updated_at = ?
		WHERE id = ?`,
		attemptCount, sentAt, sentAt, id)
	if err != nil {
		return fmt.Errorf("mark outbound sent %s: %w", id, err)
	}
	return nil
}

// MarkRetry records a failed or suppressed attempt and schedules the next.
func (r *OutboundRepo) MarkRetry(ctx context.Context, id string, attemptCount int, nextAttemptAt int64, errorMessage string, now int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE outbound_messages SET attempt_count = ?, next_attempt_at = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		attemptCount, nextAttemptAt, truncateError(errorMessage), now, id)
	if err != nil {
		return fmt.Errorf("mark outbound retry %s: %w", id, err)
	}
	return nil
}

// MarkFailed gives up on a message after exhausting attempts.
func (r *OutboundRepo) MarkFailed(ctx context.Context, id string, attemptCount int, errorMessage string, now int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE outbound_messages SET status = 'failed', attempt_count = ?, failed_at = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?`,
		attemptCount, now, truncateError(errorMessage), now, id)
	if err != nil {
		return fmt.Errorf("mark outbound failed %s: %w", id, err)
	}
	return nil
}

// maxErrorLen bounds stored delivery error messages.
const maxErrorLen = 1000

func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return strings.ToValidUTF8(msg[:maxErrorLen], "")
}

func scanOutbound(row interface{ Scan(dest ...any) error }) (*OutboundMessage, error) {
	var m OutboundMessage
	err := row.Scan(
		&m.ID, &m.ChatID, &m.Kind, &m.Content, &m.MediaPath, &m.MediaMimeType,
		&m.MediaFilename, &m.Priority, &m.DedupeKey, &m.Status, &m.AttemptCount,
		&m.NextAttemptAt, &m.SentAt, &m.FailedAt, &m.ErrorMessage,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
