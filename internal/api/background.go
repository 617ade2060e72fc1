package api

import (
	"context"
	"errors"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/google/uuid"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/store"
	"github.com/ottolabs/otto/internal/taskengine"
)

type backgroundSpawnRequest struct {
	Lane            string `json:"lane"`
	SessionID       string `json:"sessionId"`
	ChatID          int64  `json:"chatId"`
	Request         string `json:"request"`
	Rationale       string `json:"rationale"`
	SourceMessageID string `json:"sourceMessageId"`
	Surface         string `json:"surface"`
}

func (s *Server) handleBackgroundSpawn(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req backgroundSpawnRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := parseLane(req.Lane)
	if err != nil {
		return LaneInteractive, nil, err
	}
	if lane != LaneInteractive {
		return lane, nil, oerr.E(oerr.CodeLaneForbidden, "background jobs can only be spawned interactively")
	}
	if strings.TrimSpace(req.Request) == "" {
		return lane, nil, oerr.E(oerr.CodeInvalidRequest, "request is required")
	}

	now := s.now()
	surface := req.Surface
	if surface == "" {
		surface = "telegram"
	}
	payload := map[string]any{
		"version": 1,
		"source": map[string]any{
			"sessionId":       req.SessionID,
			"chatId":          req.ChatID,
			"sourceMessageId": req.SourceMessageID,
			"surface":         surface,
		},
		"request": map[string]any{
			"text":        req.Request,
			"requestedAt": now,
			"rationale":   req.Rationale,
		},
	}
	payloadJSON, err := sonic.Marshal(payload)
	if err != nil {
		return lane, nil, err
	}
	payloadStr := string(payloadJSON)

	runAt := now
	job := &store.Job{
		ID:           uuid.NewString(),
		Type:         taskengine.BackgroundJobType,
		ScheduleKind: store.ScheduleOneShot,
		RunAt:        &runAt,
		Payload:      &payloadStr,
		Status:       store.JobIdle,
		NextRunAt:    &runAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.st.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.CreateTask(ctx, job); err != nil {
			return err
		}
		return tx.Audit.InsertTaskAudit(ctx, s.taskAudit(job.ID, "create", nil, job, now))
	})
	if err != nil {
		return lane, nil, err
	}

	return lane, map[string]any{
		"status":          "queued",
		"jobId":           job.ID,
		"jobType":         job.Type,
		"acknowledgement": "Got it. I'll work on that in the background and message you when it's done.",
	}, nil
}

type backgroundListRequest struct {
	Lane  string `json:"lane"`
	Limit int    `json:"limit"`
}

func (s *Server) handleBackgroundList(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req backgroundListRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := requireInteractive(req.Lane)
	if err != nil {
		return lane, nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	jobs, err := s.st.Jobs.ListTasks(ctx, store.ListTasksFilter{Type: taskengine.BackgroundJobType, Limit: limit})
	if err != nil {
		return lane, nil, err
	}
	views := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		views[i] = jobView(j)
	}
	return lane, map[string]any{"jobs": views}, nil
}

type backgroundShowRequest struct {
	Lane  string `json:"lane"`
	JobID string `json:"jobId"`
}

func (s *Server) handleBackgroundShow(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req backgroundShowRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := requireInteractive(req.Lane)
	if err != nil {
		return lane, nil, err
	}
	if req.JobID == "" {
		return lane, nil, oerr.E(oerr.CodeInvalidRequest, "jobId is required")
	}

	job, err := s.st.Jobs.GetByID(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return lane, nil, oerr.E(oerr.CodeNotFound, "job %s not found", req.JobID)
		}
		return lane, nil, err
	}
	if job.Type != taskengine.BackgroundJobType {
		return lane, nil, oerr.E(oerr.CodeNotFound, "job %s is not a background job", req.JobID)
	}

	sessions, err := s.st.Jobs.ListActiveRunSessionsByJobID(ctx, req.JobID)
	if err != nil {
		return lane, nil, err
	}
	runs, err := s.st.Jobs.ListRunsByJobID(ctx, req.JobID, 20, 0)
	if err != nil {
		return lane, nil, err
	}
	return lane, map[string]any{
		"job":            jobView(job),
		"activeSessions": sessions,
		"runs":           runs,
	}, nil
}

type backgroundCancelRequest struct {
	Lane  string `json:"lane"`
	JobID string `json:"jobId"`
}

type stopSessionResult struct {
	SessionID    string  `json:"sessionId"`
	Status       string  `json:"status"` // stopped | stop_failed
	ErrorMessage *string `json:"errorMessage,omitempty"`
}

func (s *Server) handleBackgroundCancel(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req backgroundCancelRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := requireInteractive(req.Lane)
	if err != nil {
		return lane, nil, err
	}
	if req.JobID == "" {
		return lane, nil, oerr.E(oerr.CodeInvalidRequest, "jobId is required")
	}

	job, err := s.st.Jobs.GetByID(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return lane, nil, oerr.E(oerr.CodeNotFound, "job %s not found", req.JobID)
		}
		return lane, nil, err
	}
	if job.Type != taskengine.BackgroundJobType {
		return lane, nil, oerr.E(oerr.CodeNotFound, "job %s is not a background job", req.JobID)
	}

	now := s.now()
	reason := "cancelled by operator"

	var cancelled bool
	var active []*store.RunSession
	err = s.st.InTx(ctx, func(tx *store.Tx) error {
		var err error
		cancelled, err = tx.Jobs.CancelTask(ctx, req.JobID, &reason, now)
		if err != nil {
			return err
		}
		if !cancelled {
			return nil
		}
		active, err = tx.Jobs.ListActiveRunSessionsByJobID(ctx, req.JobID)
		if err != nil {
			return err
		}
		for _, rs := range active {
			if err := tx.Jobs.MarkRunSessionClosed(ctx, rs.RunID, now, nil); err != nil {
				return err
			}
		}
		return tx.Audit.InsertTaskAudit(ctx, s.taskAudit(req.JobID, "cancel", job, nil, now))
	})
	if err != nil {
		return lane, nil, err
	}

	if !cancelled {
		return lane, map[string]any{
			"jobId":              req.JobID,
			"outcome":            "already_terminal",
			"terminalState":      job.TerminalState,
			"stopSessionResults": []stopSessionResult{},
		}, nil
	}

	// Session close happens outside the transaction: the gateway call can
	// be slow and its failure must not undo the cancellation.
	results := make([]stopSessionResult, 0, len(active))
	for _, rs := range active {
		r := stopSessionResult{SessionID: rs.SessionID, Status: "stopped"}
		if s.sessions != nil {
			if err := s.sessions.CloseSession(ctx, rs.SessionID); err != nil {
				msg := err.Error()
				r.Status = "stop_failed"
				r.ErrorMessage = &msg
			}
		}
		results = append(results, r)
	}

	return lane, map[string]any{
		"jobId":              req.JobID,
		"outcome":            "cancelled",
		"terminalState":      store.TerminalCancelled,
		"stopSessionResults": results,
	}, nil
}

// requireInteractive parses the lane and rejects non-interactive callers.
func requireInteractive(raw string) (Lane, error) {
	lane, err := parseLane(raw)
	if err != nil {
		return LaneInteractive, err
	}
	if lane != LaneInteractive {
		return lane, oerr.E(oerr.CodeLaneForbidden, "background job tools are interactive-lane only")
	}
	return lane, nil
}
