// Package outbound implements the durable at-least-once delivery queue:
// policy gating, capped exponential retry, text chunking and the digest
// emitted when suppressed messages are released.
package outbound

import (
	"context"
	"unicode/utf8"
)

// TextChunkLimit is the transport's per-message text ceiling; longer
// content is chunked transparently (4096 for Telegram).
const TextChunkLimit = 4096

// MediaOptions carries the staged file for document/photo sends.
type MediaOptions struct {
	FilePath string
	Filename string
	Caption  string
}

// Transport delivers messages to the chat surface.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, opts MediaOptions) error
	SendPhoto(ctx context.Context, chatID int64, opts MediaOptions) error
}

// SplitText splits content into chunks of at most limit bytes, preferring
// newline boundaries so messages stay readable. Cuts never land mid-rune;
// Telegram rejects invalid UTF-8.
func SplitText(content string, limit int) []string {
	if limit <= 0 || len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	rest := content
	for len(rest) > limit {
		cut := limit
		if idx := lastIndexByte(rest[:limit], '\n'); idx > limit/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
