package api

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/google/uuid"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/store"
)

type queueMessageRequest struct {
	SessionID string `json:"sessionId"`
	ChatID    int64  `json:"chatId"`
	Content   string `json:"content"`
	DedupeKey string `json:"dedupeKey"`
	Priority  string `json:"priority"`
}

func (s *Server) handleQueueMessage(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req queueMessageRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return LaneInteractive, nil, oerr.E(oerr.CodeInvalidRequest, "content is required")
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		return LaneInteractive, nil, err
	}
	chatID, err := s.resolveChatID(ctx, req.ChatID, req.SessionID)
	if err != nil {
		return LaneInteractive, nil, err
	}

	now := s.now()
	msg := outbound.NewText(chatID, req.Content, priority, req.DedupeKey, now)
	result, err := s.enqueue(ctx, msg)
	if err != nil {
		return LaneInteractive, nil, err
	}
	return LaneInteractive, map[string]any{
		"status":    string(result),
		"messageId": msg.ID,
		"chatId":    chatID,
	}, nil
}

type queueFileRequest struct {
	queueMessageRequest
	Kind     string `json:"kind"`
	FilePath string `json:"filePath"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption"`
}

func (s *Server) handleQueueFile(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req queueFileRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}

	var kind store.MessageKind
	switch req.Kind {
	case "document":
		kind = store.KindDocument
	case "photo":
		kind = store.KindPhoto
	default:
		return LaneInteractive, nil, oerr.E(oerr.CodeInvalidRequest, "kind must be document or photo")
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		return LaneInteractive, nil, err
	}
	chatID, err := s.resolveChatID(ctx, req.ChatID, req.SessionID)
	if err != nil {
		return LaneInteractive, nil, err
	}

	stagedPath, err := s.stageFile(req.FilePath)
	if err != nil {
		return LaneInteractive, nil, err
	}

	now := s.now()
	msg := outbound.NewMedia(chatID, kind, req.Caption, stagedPath, req.MimeType, req.FileName, priority, req.DedupeKey, now)
	result, err := s.enqueue(ctx, msg)
	if err != nil {
		os.Remove(stagedPath)
		return LaneInteractive, nil, err
	}
	if result == store.Duplicate {
		os.Remove(stagedPath)
	}
	return LaneInteractive, map[string]any{
		"status":    string(result),
		"messageId": msg.ID,
		"chatId":    chatID,
	}, nil
}

// stageFile copies the source into the outbox so delivery survives the
// caller deleting the original. Sources outside the otto home and files
// over the size cap are rejected.
func (s *Server) stageFile(srcPath string) (string, error) {
	if strings.TrimSpace(srcPath) == "" {
		return "", oerr.E(oerr.CodeInvalidFilePath, "filePath is required")
	}

	abs, err := filepath.Abs(srcPath)
	if err != nil {
		return "", oerr.E(oerr.CodeInvalidFilePath, "resolve path: %v", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	home, err := filepath.Abs(s.homeDir)
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(home); rerr == nil {
			home = resolved
		}
	}
	if err != nil || !strings.HasPrefix(abs, home+string(filepath.Separator)) {
		return "", oerr.E(oerr.CodeInvalidFilePath, "path escapes the otto home")
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", oerr.E(oerr.CodeInvalidFilePath, "stat source: %v", err)
	}
	if !info.Mode().IsRegular() {
		return "", oerr.E(oerr.CodeInvalidFilePath, "source is not a regular file")
	}
	if info.Size() > maxStagedFileBytes {
		return "", oerr.E(oerr.CodeFileTooLarge, "file is %d bytes, limit %d", info.Size(), maxStagedFileBytes)
	}

	if err := os.MkdirAll(s.outboxDir, 0o755); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	dst := filepath.Join(s.outboxDir, uuid.NewString()+"-"+filepath.Base(abs))

	src, err := os.Open(abs)
	if err != nil {
		return "", oerr.E(oerr.CodeInvalidFilePath, "open source: %v", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("copy into outbox: %w", err)
	}
	return dst, nil
}

// enqueue inserts the record, via the dedupe path when a key is present.
func (s *Server) enqueue(ctx context.Context, msg *store.OutboundMessage) (store.EnqueueResult, error) {
	if msg.DedupeKey != nil {
		return s.st.Outbound.EnqueueOrIgnoreDedupe(ctx, msg)
	}
	if err := s.st.Outbound.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	return store.Enqueued, nil
}

// resolveChatID resolves the target chat: explicit id, the chat bound to the
// session, or the process default.
func (s *Server) resolveChatID(ctx context.Context, chatID int64, sessionID string) (int64, error) {
	if chatID != 0 {
		return chatID, nil
	}
	if sessionID != "" {
		if bound, err := s.st.Bindings.GetTelegramChatIDBySessionID(ctx, sessionID); err == nil && bound != 0 {
			return bound, nil
		}
	}
	if s.defaultChatID != 0 {
		return s.defaultChatID, nil
	}
	return 0, oerr.E(oerr.CodeMissingChat, "no chat id could be resolved")
}

func parsePriority(raw string) (store.Priority, error) {
	switch store.Priority(raw) {
	case "":
		return store.PriorityNormal, nil
	case store.PriorityLow, store.PriorityNormal, store.PriorityHigh, store.PriorityCritical:
		return store.Priority(raw), nil
	default:
		return "", oerr.E(oerr.CodeInvalidRequest, "unknown priority %q", raw)
	}
}
