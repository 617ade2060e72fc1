package outbound

import (
	"github.com/google/uuid"

	"github.com/ottolabs/otto/internal/store"
)

// NewText builds a queued text record due immediately. dedupeKey may be
// empty for unconditional enqueue.
func NewText(chatID int64, content string, priority store.Priority, dedupeKey string, now int64) *store.OutboundMessage {
	m := &store.OutboundMessage{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		Kind:          store.KindText,
		Content:       content,
		Priority:      priority,
		Status:        store.OutboundQueued,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if dedupeKey != "" {
		m.DedupeKey = &dedupeKey
	}
	return m
}

// NewMedia builds a queued document or photo record; content is the caption.
func NewMedia(chatID int64, kind store.MessageKind, caption, mediaPath, mimeType, filename string, priority store.Priority, dedupeKey string, now int64) *store.OutboundMessage {
	m := NewText(chatID, caption, priority, dedupeKey, now)
	m.Kind = kind
	m.MediaPath = &mediaPath
	if mimeType != "" {
		m.MediaMimeType = &mimeType
	}
	if filename != "" {
		m.MediaFilename = &filename
	}
	return m
}
