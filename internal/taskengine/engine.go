// Package taskengine turns claimed jobs into durable run records: it drives
// the agent session gateway, parses structured results, and advances the
// job's schedule under its lock token.
package taskengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ottolabs/otto/internal/agentgw"
	"github.com/ottolabs/otto/internal/heartbeat"
	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/pkg/metrics"
	"github.com/ottolabs/otto/internal/store"
	"github.com/ottolabs/otto/internal/watchdog"

	"github.com/google/uuid"
)

// BackgroundJobType is the job type spawned by the control-plane for
// interactive background work.
const BackgroundJobType = "interactive_background_oneshot"

// WatchdogJobType is the job type dispatched to the failure watchdog.
const WatchdogJobType = "watchdog_failures"

// Engine executes claimed jobs. Per-job failures are absorbed into run
// records; only infrastructure errors (run row cannot be written) propagate
// so the kernel can release the lock.
type Engine struct {
	jobs         *store.JobsRepo
	bindings     *store.BindingsRepo
	outboundRepo *store.OutboundRepo
	gateway      agentgw.SessionGateway
	watchdog     *watchdog.Checker
	heartbeat    *heartbeat.Engine

	configs       ExecConfigs
	defaultChatID int64
	now           func() int64
}

// NewEngine wires the executor. watchdogChecker and heartbeatEngine handle
// their job types; defaultChatID is the fallback for lifecycle messages.
func NewEngine(
	jobs *store.JobsRepo,
	bindings *store.BindingsRepo,
	outboundRepo *store.OutboundRepo,
	gateway agentgw.SessionGateway,
	watchdogChecker *watchdog.Checker,
	heartbeatEngine *heartbeat.Engine,
	configs ExecConfigs,
	defaultChatID int64,
) *Engine {
	return &Engine{
		jobs:          jobs,
		bindings:      bindings,
		outboundRepo:  outboundRepo,
		gateway:       gateway,
		watchdog:      watchdogChecker,
		heartbeat:     heartbeatEngine,
		configs:       configs,
		defaultChatID: defaultChatID,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
}

// ExecuteClaimedJob runs one claimed job end to end: placeholder run row,
// type dispatch, run finalization, schedule transition. The job must carry
// the claim's lock token.
func (e *Engine) ExecuteClaimedJob(ctx context.Context, job *store.Job) error {
	if job.LockToken == nil || *job.LockToken == "" {
		return fmt.Errorf("job %s executed without a lock token", job.ID)
	}

	startedAt := e.now()
	scheduledFor := startedAt
	if job.NextRunAt != nil {
		scheduledFor = *job.NextRunAt
	}
	run := &store.Run{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ScheduledFor: scheduledFor,
		StartedAt:    startedAt,
		Status:       store.RunSkipped,
		CreatedAt:    startedAt,
	}
	if err := e.jobs.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("insert placeholder run for %s: %w", job.ID, err)
	}

	result := e.dispatch(ctx, job, run.ID)
	e.finalize(ctx, job, run.ID, result)
	return nil
}

// dispatch routes by job type; every path yields a result.
func (e *Engine) dispatch(ctx context.Context, job *store.Job, runID string) *TaskResult {
	switch job.Type {
	case WatchdogJobType:
		return e.runWatchdog(ctx, job)
	case heartbeat.JobType:
		return e.runHeartbeat(ctx, job)
	case BackgroundJobType:
		return e.runBackground(ctx, job, runID)
	default:
		return e.runGeneric(ctx, job)
	}
}

func (e *Engine) runWatchdog(ctx context.Context, job *store.Job) *TaskResult {
	raw := ""
	if job.Payload != nil {
		raw = *job.Payload
	}
	params, err := watchdog.ParseParams(raw)
	if err != nil {
		return FailedResult(oerr.CodeOf(err), err.Error())
	}

	res, err := e.watchdog.CheckTaskFailures(ctx, params, e.now())
	if err != nil {
		return FailedResult(oerr.CodeTaskExecutionError, err.Error())
	}
	if res.ShouldAlert && res.NotificationStatus == watchdog.NotifyNoChatID {
		return FailedResult(oerr.CodeWatchdogNotifyUnavail,
			fmt.Sprintf("%d failure(s) crossed the threshold but no chat is configured", res.FailedCount))
	}
	return &TaskResult{
		Status: store.RunSuccess,
		Summary: fmt.Sprintf("Examined %d failed run(s); alert disposition: %s.",
			res.FailedCount, res.NotificationStatus),
		Errors: []TaskError{},
	}
}

func (e *Engine) runHeartbeat(ctx context.Context, job *store.Job) *TaskResult {
	res, err := e.heartbeat.Execute(ctx, job.Payload, e.now())
	if err != nil {
		// Heartbeat ticks always succeed; an infrastructure error is
		// reported in the summary and retried on the next cadence tick.
		logs.CtxWarn(ctx, "[engine] heartbeat tick error: %v", err)
		return &TaskResult{
			Status:  store.RunSuccess,
			Summary: fmt.Sprintf("Heartbeat tick errored: %v", err),
			Errors:  []TaskError{},
		}
	}
	return &TaskResult{
		Status:  store.RunSuccess,
		Summary: fmt.Sprintf("Heartbeat tick: emitted=%t, reason=%s.", res.Emitted, res.Reason),
		Errors:  []TaskError{},
	}
}

func (e *Engine) runGeneric(ctx context.Context, job *store.Job) *TaskResult {
	cfg := e.configs.resolve(job.ProfileID)
	bindingKey := fmt.Sprintf("scheduler:task:%s:assistant", job.ID)

	existingID := ""
	binding, err := e.bindings.GetByBindingKey(ctx, bindingKey)
	if err != nil {
		logs.CtxWarn(ctx, "[engine] binding lookup for %s: %v", job.ID, err)
	} else if binding != nil {
		existingID = binding.SessionID
	}

	sessionID, err := e.gateway.EnsureSession(ctx, existingID)
	if err != nil {
		return FailedResult(oerr.CodeTaskExecutionError, fmt.Sprintf("ensure session: %v", err))
	}
	if sessionID != existingID {
		now := e.now()
		if err := e.bindings.Upsert(ctx, &store.SessionBinding{
			BindingKey: bindingKey,
			SessionID:  sessionID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			logs.CtxWarn(ctx, "[engine] upsert binding for %s: %v", job.ID, err)
		}
	}

	text, err := e.gateway.PromptSession(ctx, sessionID, scheduledPrompt(job), agentgw.PromptOptions{
		SystemPrompt: cfg.SystemPrompt,
		Tools:        cfg.Tools,
		Agent:        cfg.Agent,
		ModelContext: agentgw.ModelContext{Flow: "scheduledTask", JobModelRef: deref(job.ModelRef)},
	})
	if err != nil {
		return FailedResult(oerr.CodeTaskExecutionError, fmt.Sprintf("prompt session: %v", err))
	}
	return ParseStructuredResult(text)
}

// backgroundPayload is the validated shape of an interactive background job.
type backgroundPayload struct {
	Version int `json:"version"`
	Source  struct {
		SessionID       string `json:"sessionId"`
		ChatID          int64  `json:"chatId"`
		SourceMessageID string `json:"sourceMessageId"`
		Surface         string `json:"surface"`
	} `json:"source"`
	Request struct {
		Text        string `json:"text"`
		RequestedAt int64  `json:"requestedAt"`
		Rationale   string `json:"rationale"`
	} `json:"request"`
}

func parseBackgroundPayload(raw *string) (*backgroundPayload, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, oerr.E(oerr.CodeInvalidTaskPayload, "background job has no payload")
	}
	var p backgroundPayload
	if err := sonic.Unmarshal([]byte(*raw), &p); err != nil {
		return nil, oerr.E(oerr.CodeInvalidTaskPayload, "background payload is not valid JSON: %v", err)
	}
	if p.Version != 1 {
		return nil, oerr.E(oerr.CodeInvalidTaskPayload, "unsupported background payload version %d", p.Version)
	}
	if strings.TrimSpace(p.Request.Text) == "" {
		return nil, oerr.E(oerr.CodeInvalidTaskPayload, "background request text is empty")
	}
	return &p, nil
}

// runBackground executes an interactive background one-shot: a fresh agent
// session, lifecycle messages keyed on the run, and guaranteed session
// cleanup on every exit path.
func (e *Engine) runBackground(ctx context.Context, job *store.Job, runID string) *TaskResult {
	payload, err := parseBackgroundPayload(job.Payload)
	if err != nil {
		return FailedResult(oerr.CodeOf(err), err.Error())
	}

	cfg := e.configs.resolve(job.ProfileID)
	chatID := e.resolveLifecycleChatID(ctx, payload)

	sessionID, err := e.gateway.EnsureSession(ctx, "")
	if err != nil {
		return FailedResult(oerr.CodeTaskExecutionError, fmt.Sprintf("open background session: %v", err))
	}

	now := e.now()
	if err := e.jobs.InsertRunSession(ctx, &store.RunSession{
		RunID:     runID,
		JobID:     job.ID,
		SessionID: sessionID,
		CreatedAt: now,
	}); err != nil {
		logs.CtxWarn(ctx, "[engine] insert run session for %s: %v", job.ID, err)
	}

	e.enqueueLifecycle(ctx, chatID, "Started your background run. I'll report back when it finishes.",
		fmt.Sprintf("bg-run:%s:%s:started", job.ID, runID), store.PriorityNormal)

	var result *TaskResult
	func() {
		defer func() {
			var closeErr *string
			if err := e.gateway.CloseSession(ctx, sessionID); err != nil {
				msg := err.Error()
				closeErr = &msg
				logs.CtxWarn(ctx, "[engine] close background session %s: %v", sessionID, err)
			}
			if err := e.jobs.MarkRunSessionClosed(ctx, runID, e.now(), closeErr); err != nil {
				logs.CtxWarn(ctx, "[engine] mark run session closed for %s: %v", runID, err)
			}
		}()

		text, err := e.gateway.PromptSession(ctx, sessionID, backgroundPrompt(payload), agentgw.PromptOptions{
			SystemPrompt: cfg.SystemPrompt,
			Tools:        cfg.Tools,
			Agent:        "assistant",
			ModelContext: agentgw.ModelContext{Flow: "interactiveAssistant", JobModelRef: deref(job.ModelRef)},
		})
		if err != nil {
			result = FailedResult(oerr.CodeTaskExecutionError, fmt.Sprintf("prompt session: %v", err))
			return
		}
		result = ParseStructuredResult(text)
	}()

	finalKey := fmt.Sprintf("bg-run:%s:%s:final_%s", job.ID, runID, result.Status)
	priority := store.PriorityNormal
	if result.Status == store.RunFailed {
		priority = store.PriorityHigh
	}
	e.enqueueLifecycle(ctx, chatID, backgroundFinalText(result), finalKey, priority)
	return result
}

func backgroundFinalText(result *TaskResult) string {
	switch result.Status {
	case store.RunSuccess:
		return "Background run finished: " + result.Summary
	case store.RunSkipped:
		return "Background run was skipped: " + result.Summary
	default:
		return "Background run failed: " + result.Summary
	}
}

// resolveLifecycleChatID picks where lifecycle messages go: the payload's
// chat, the chat bound to the originating session, or the process default.
func (e *Engine) resolveLifecycleChatID(ctx context.Context, payload *backgroundPayload) int64 {
	if payload.Source.ChatID != 0 {
		return payload.Source.ChatID
	}
	if payload.Source.SessionID != "" {
		if chatID, err := e.bindings.GetTelegramChatIDBySessionID(ctx, payload.Source.SessionID); err == nil && chatID != 0 {
			return chatID
		}
	}
	return e.defaultChatID
}

func (e *Engine) enqueueLifecycle(ctx context.Context, chatID int64, text, dedupeKey string, priority store.Priority) {
	if chatID == 0 {
		logs.CtxWarn(ctx, "[engine] no chat for lifecycle message %s", dedupeKey)
		return
	}
	msg := outbound.NewText(chatID, text, priority, dedupeKey, e.now())
	if _, err := e.outboundRepo.EnqueueOrIgnoreDedupe(ctx, msg); err != nil {
		logs.CtxWarn(ctx, "[engine] enqueue lifecycle %s: %v", dedupeKey, err)
	}
}

// finalize writes the run outcome and advances the schedule under the lock
// token; a stolen lease turns the mutations into no-ops.
func (e *Engine) finalize(ctx context.Context, job *store.Job, runID string, result *TaskResult) {
	finishedAt := e.now()

	var errorCode, errorMessage *string
	if result.Status == store.RunFailed {
		code := string(oerr.CodeTaskFailed)
		message := result.Summary
		if len(result.Errors) > 0 {
			code = result.Errors[0].Code
			message = result.Errors[0].Message
		}
		errorCode, errorMessage = &code, &message
	}

	var resultJSON *string
	if data, err := sonic.Marshal(result); err == nil {
		s := string(data)
		resultJSON = &s
	} else {
		logs.CtxWarn(ctx, "[engine] serialize result for run %s: %v", runID, err)
	}

	if err := e.jobs.MarkRunFinished(ctx, runID, result.Status, finishedAt, errorCode, errorMessage, resultJSON); err != nil {
		logs.CtxError(ctx, "[engine] finish run %s: %v", runID, err)
		e.releaseLock(ctx, job, finishedAt)
		return
	}
	metrics.RunsFinished.WithLabelValues(string(result.Status)).Inc()

	transition, err := ResolveScheduleTransition(job, finishedAt)
	if err != nil {
		logs.CtxError(ctx, "[engine] transition for %s: %v", job.ID, err)
		e.releaseLock(ctx, job, finishedAt)
		return
	}

	switch transition.Mode {
	case ModeReschedule:
		err = e.jobs.RescheduleRecurring(ctx, job.ID, *job.LockToken,
			transition.LastRunAt, transition.NextRunAt, finishedAt)
	case ModeFinalize:
		err = e.jobs.FinalizeOneShot(ctx, job.ID, *job.LockToken,
			transition.TerminalState, transition.TerminalReason, transition.LastRunAt, finishedAt)
	}
	if err != nil {
		logs.CtxError(ctx, "[engine] advance schedule for %s: %v", job.ID, err)
		e.releaseLock(ctx, job, finishedAt)
		return
	}
	logs.CtxInfo(ctx, "[engine] job %s run %s finished: %s", job.ID, runID, result.Status)
}

func (e *Engine) releaseLock(ctx context.Context, job *store.Job, now int64) {
	if err := e.jobs.ReleaseLock(ctx, job.ID, *job.LockToken, now); err != nil {
		logs.CtxWarn(ctx, "[engine] release lock on %s: %v", job.ID, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
