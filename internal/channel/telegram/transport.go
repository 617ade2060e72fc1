// Package telegram delivers outbound records through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/pkg/logs"
)

var _ outbound.Transport = (*Transport)(nil)

// Transport is the outbound delivery adapter over a Telegram bot.
type Transport struct {
	bot *bot.Bot
}

// New creates the transport from a bot token.
func New(token string) (*Transport, error) {
	if token == "" {
		return nil, errors.New("telegram bot token cannot be empty")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Transport{bot: b}, nil
}

// NewWithBot wraps an existing bot instance.
func NewWithBot(b *bot.Bot) *Transport {
	return &Transport{bot: b}
}

// SendMessage sends one text message, rendering markdown into Telegram
// entities and falling back to plain text when the render is rejected.
func (t *Transport) SendMessage(ctx context.Context, chatID int64, text string) error {
	entityText, entities := renderEntities(text)
	if entityText == "" {
		entityText = text
	}

	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:   chatID,
		Text:     entityText,
		Entities: entities,
	})
	if err != nil {
		logs.CtxWarn(ctx, "[telegram] entity send failed, retrying plain: %v", err)
		_, err = t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
	}
	return err
}

// SendDocument uploads a staged file as a document.
func (t *Transport) SendDocument(ctx context.Context, chatID int64, opts outbound.MediaOptions) error {
	upload, err := readUpload(opts)
	if err != nil {
		return err
	}
	_, err = t.bot.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:   chatID,
		Document: upload,
		Caption:  opts.Caption,
	})
	if err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// SendPhoto uploads a staged file as a photo.
func (t *Transport) SendPhoto(ctx context.Context, chatID int64, opts outbound.MediaOptions) error {
	upload, err := readUpload(opts)
	if err != nil {
		return err
	}
	_, err = t.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:  chatID,
		Photo:   upload,
		Caption: opts.Caption,
	})
	if err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// readUpload loads the staged file into an upload payload. Files are small
// by construction (the control plane bounds staging size).
func readUpload(opts outbound.MediaOptions) (*models.InputFileUpload, error) {
	data, err := os.ReadFile(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read staged media: %w", err)
	}
	name := opts.Filename
	if name == "" {
		name = filepath.Base(opts.FilePath)
	}
	return &models.InputFileUpload{Filename: name, Data: bytes.NewReader(data)}, nil
}
