package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/google/uuid"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/store"
	"github.com/ottolabs/otto/internal/watchdog"
)

// requireMutableLane rejects mutations from the scheduled lane.
func requireMutableLane(lane Lane) error {
	if lane == LaneScheduled {
		return oerr.E(oerr.CodeLaneForbidden, "task mutations are not allowed in the scheduled lane")
	}
	return nil
}

// requireUserType rejects mutations of system-managed job types.
func requireUserType(jobType string) error {
	if systemTypes[jobType] {
		return oerr.E(oerr.CodeForbiddenMutation, "%s tasks are system-managed", jobType)
	}
	return nil
}

type taskCreateRequest struct {
	Lane           string          `json:"lane"`
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ScheduleKind   string          `json:"scheduleKind"`
	CadenceMinutes *int64          `json:"cadenceMinutes"`
	RunAt          *int64          `json:"runAt"`
	ProfileID      *string         `json:"profileId"`
	ModelRef       *string         `json:"modelRef"`
	Payload        json.RawMessage `json:"payload"`
}

func (s *Server) handleTaskCreate(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req taskCreateRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := parseLane(req.Lane)
	if err != nil {
		return LaneInteractive, nil, err
	}
	if err := requireMutableLane(lane); err != nil {
		return lane, nil, err
	}
	if strings.TrimSpace(req.Type) == "" {
		return lane, nil, oerr.E(oerr.CodeInvalidRequest, "type is required")
	}
	if err := requireUserType(req.Type); err != nil {
		return lane, nil, err
	}

	now := s.now()
	job := &store.Job{
		ID:           req.ID,
		Type:         req.Type,
		ScheduleKind: store.ScheduleKind(req.ScheduleKind),
		ProfileID:    req.ProfileID,
		ModelRef:     req.ModelRef,
		Status:       store.JobIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if len(req.Payload) > 0 {
		p := string(req.Payload)
		job.Payload = &p
	}

	switch job.ScheduleKind {
	case store.ScheduleRecurring:
		if req.CadenceMinutes == nil || *req.CadenceMinutes <= 0 {
			return lane, nil, oerr.E(oerr.CodeInvalidRequest, "recurring tasks need a positive cadenceMinutes")
		}
		job.CadenceMinutes = req.CadenceMinutes
		next := now
		job.NextRunAt = &next
	case store.ScheduleOneShot:
		runAt := now
		if req.RunAt != nil {
			runAt = *req.RunAt
		}
		job.RunAt = &runAt
		job.NextRunAt = &runAt
	default:
		return lane, nil, oerr.E(oerr.CodeInvalidRequest, "scheduleKind must be oneshot or recurring")
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
	return lane, map[string]any{"jobId": job.ID, "status": "created", "nextRunAt": job.NextRunAt}, nil
}

type taskUpdateRequest struct {
	Lane           string          `json:"lane"`
	JobID          string          `json:"jobId"`
	Type           *string         `json:"type"`
	ScheduleKind   *string         `json:"scheduleKind"`
	CadenceMinutes *int64          `json:"cadenceMinutes"`
	RunAt          *int64          `json:"runAt"`
	ProfileID      *string         `json:"profileId"`
	ModelRef       *string         `json:"modelRef"`
	Payload        json.RawMessage `json:"payload"`
	NextRunAt      *int64          `json:"nextRunAt"`
}

func (s *Server) handleTaskUpdate(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req taskUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := parseLane(req.Lane)
	if err != nil {
		return LaneInteractive, nil, err
	}
	if err := requireMutableLane(lane); err != nil {
		return lane, nil, err
	}
	if req.JobID == "" {
		return lane, nil, oerr.E(oerr.CodeInvalidRequest, "jobId is required")
	}

	before, err := s.st.Jobs.GetByID(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return lane, nil, oerr.E(oerr.CodeNotFound, "job %s not found", req.JobID)
		}
		return lane, nil, err
	}
	if err := requireUserType(before.Type); err != nil {
		return lane, nil, err
	}
	if req.Type != nil {
		if err := requireUserType(*req.Type); err != nil {
			return lane, nil, err
		}
	}
	if before.Status == store.JobRunning {
		return lane, nil, oerr.E(oerr.CodeStateConflict, "job %s is currently running", req.JobID)
	}

	upd := store.TaskUpdate{
		Type:      req.Type,
		ProfileID: req.ProfileID,
		ModelRef:  req.ModelRef,
		NextRunAt: req.NextRunAt,
	}
	if req.ScheduleKind != nil {
		kind := store.ScheduleKind(*req.ScheduleKind)
		switch kind {
		case store.ScheduleRecurring:
			if req.CadenceMinutes == nil || *req.CadenceMinutes <= 0 {
				return lane, nil, oerr.E(oerr.CodeInvalidRequest, "recurring tasks need a positive cadenceMinutes")
			}
		case store.ScheduleOneShot:
		default:
			return lane, nil, oerr.E(oerr.CodeInvalidRequest, "scheduleKind must be oneshot or recurring")
		}
		upd.ScheduleKind = &kind
		upd.CadenceMinutes = req.CadenceMinutes
		upd.RunAt = req.RunAt
	}
	if len(req.Payload) > 0 {
		p := string(req.Payload)
		upd.Payload = &p
	}

	now := s.now()
	err = s.st.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.UpdateTask(ctx, req.JobID, upd, now); err != nil {
			return err
		}
		after, err := tx.Jobs.GetByID(ctx, req.JobID)
		if err != nil {
			return err
		}
		return tx.Audit.InsertTaskAudit(ctx, s.taskAudit(req.JobID, "update", before, after, now))
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return lane, nil, oerr.E(oerr.CodeNotFound, "job %s not found", req.JobID)
		}
		return lane, nil, err
	}
	return lane, map[string]any{"jobId": req.JobID, "status": "updated"}, nil
}

type taskDeleteRequest struct {
	Lane   string  `json:"lane"`
	JobID  string  `json:"jobId"`
	Reason *string `json:"reason"`
}

func (s *Server) handleTaskDelete(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req taskDeleteRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := parseLane(req.Lane)
	if err != nil {
		return LaneInteractive, nil, err
	}
	if err := requireMutableLane(lane); err != nil {
		return lane, nil, err
	}
	if req.JobID == "" {
		return lane, nil, oerr.E(oerr.CodeInvalidRequest, "jobId is required")
	}

	before, err := s.st.Jobs.GetByID(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return lane, nil, oerr.E(oerr.CodeNotFound, "job %s not found", req.JobID)
		}
		return lane, nil, err
	}
	if err := requireUserType(before.Type); err != nil {
		return lane, nil, err
	}

	now := s.now()
	var cancelled bool
	err = s.st.InTx(ctx, func(tx *store.Tx) error {
		var err error
		cancelled, err = tx.Jobs.CancelTask(ctx, req.JobID, req.Reason, now)
		if err != nil {
			return err
		}
		if !cancelled {
			return nil
		}
		return tx.Audit.InsertTaskAudit(ctx, s.taskAudit(req.JobID, "cancel", before, nil, now))
	})
	if err != nil {
		return lane, nil, err
	}

	outcome := "cancelled"
	if !cancelled {
		outcome = "already_terminal"
	}
	return lane, map[string]any{"jobId": req.JobID, "outcome": outcome}, nil
}

type taskListRequest struct {
	Lane   string `json:"lane"`
	Type   string `json:"type"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (s *Server) handleTaskList(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req taskListRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := parseLane(req.Lane)
	if err != nil {
		return LaneInteractive, nil, err
	}

	jobs, err := s.st.Jobs.ListTasks(ctx, store.ListTasksFilter{Type: req.Type, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return lane, nil, err
	}
	views := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		views[i] = jobView(j)
	}
	return lane, map[string]any{"tasks": views}, nil
}

type failuresCheckRequest struct {
	Lane             string   `json:"lane"`
	SessionID        string   `json:"sessionId"`
	ChatID           int64    `json:"chatId"`
	LookbackMinutes  *int64   `json:"lookbackMinutes"`
	Threshold        *int     `json:"threshold"`
	MaxFailures      *int     `json:"maxFailures"`
	Notify           *bool    `json:"notify"`
	ExcludeTaskTypes []string `json:"excludeTaskTypes"`
}

func (s *Server) handleFailuresCheck(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req failuresCheckRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := parseLane(req.Lane)
	if err != nil {
		return LaneInteractive, nil, err
	}

	params := watchdog.DefaultParams
	if req.LookbackMinutes != nil {
		if *req.LookbackMinutes < 5 || *req.LookbackMinutes > 1440 {
			return lane, nil, oerr.E(oerr.CodeInvalidRequest, "lookbackMinutes out of range [5, 1440]")
		}
		params.LookbackMinutes = *req.LookbackMinutes
	}
	if req.Threshold != nil {
		if *req.Threshold < 1 || *req.Threshold > 50 {
			return lane, nil, oerr.E(oerr.CodeInvalidRequest, "threshold out of range [1, 50]")
		}
		params.Threshold = *req.Threshold
	}
	if req.MaxFailures != nil {
		if *req.MaxFailures < 1 || *req.MaxFailures > 200 {
			return lane, nil, oerr.E(oerr.CodeInvalidRequest, "maxFailures out of range [1, 200]")
		}
		params.MaxFailures = *req.MaxFailures
	}
	if req.Notify != nil {
		params.Notify = *req.Notify
	}
	params.ExcludeTaskTypes = req.ExcludeTaskTypes

	// Mirror the message endpoint's chat resolution, but leave an
	// unresolved chat to the checker's no_chat_id disposition.
	if chatID, err := s.resolveChatID(ctx, req.ChatID, req.SessionID); err == nil {
		params.ChatID = chatID
	}

	res, err := s.checker.CheckTaskFailures(ctx, params, s.now())
	if err != nil {
		return lane, nil, err
	}
	return lane, res, nil
}

type auditListRequest struct {
	Lane  string `json:"lane"`
	Limit int    `json:"limit"`
	JobID string `json:"jobId"`
}

func (s *Server) handleAuditList(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req auditListRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}
	lane, err := parseLane(req.Lane)
	if err != nil {
		return LaneInteractive, nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var tasks []*store.TaskAudit
	if req.JobID != "" {
		tasks, err = s.st.Audit.ListTaskAuditByTaskID(ctx, req.JobID, limit)
	} else {
		tasks, err = s.st.Audit.ListRecentTaskAudit(ctx, limit)
	}
	if err != nil {
		return lane, nil, err
	}
	commands, err := s.st.Audit.ListRecentCommandAudit(ctx, limit)
	if err != nil {
		return lane, nil, err
	}
	return lane, map[string]any{"taskAudit": tasks, "commandAudit": commands}, nil
}

// taskAudit serializes before/after snapshots for the audit trail.
func (s *Server) taskAudit(jobID, action string, before, after *store.Job, now int64) *store.TaskAudit {
	a := &store.TaskAudit{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Action:    action,
		CreatedAt: now,
	}
	if before != nil {
		if data, err := sonic.Marshal(jobView(before)); err == nil {
			s := string(data)
			a.BeforeJSON = &s
		}
	}
	if after != nil {
		if data, err := sonic.Marshal(jobView(after)); err == nil {
			s := string(data)
			a.AfterJSON = &s
		}
	}
	return a
}

// jobView is the job's API shape.
func jobView(j *store.Job) map[string]any {
	return map[string]any{
		"id":             j.ID,
		"type":           j.Type,
		"scheduleKind":   j.ScheduleKind,
		"cadenceMinutes": j.CadenceMinutes,
		"runAt":          j.RunAt,
		"profileId":      j.ProfileID,
		"modelRef":       j.ModelRef,
		"payload":        j.Payload,
		"status":         j.Status,
		"lastRunAt":      j.LastRunAt,
		"nextRunAt":      j.NextRunAt,
		"terminalState":  j.TerminalState,
		"terminalReason": j.TerminalReason,
		"createdAt":      j.CreatedAt,
		"updatedAt":      j.UpdatedAt,
	}
}
