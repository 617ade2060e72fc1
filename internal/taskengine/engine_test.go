package taskengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ottolabs/otto/internal/agentgw"
	"github.com/ottolabs/otto/internal/store"
)

// fakeGateway scripts the agent session gateway.
type fakeGateway struct {
	sessionSeq int
	reuse      bool // EnsureSession keeps a non-empty existing id
	promptText string
	promptErr  error

	ensured []string // existing ids passed to EnsureSession
	prompts []string
	closed  []string
	opts    []agentgw.PromptOptions
}

func (f *fakeGateway) EnsureSession(ctx context.Context, existing string) (string, error) {
	f.ensured = append(f.ensured, existing)
	if f.reuse && existing != "" {
		return existing, nil
	}
	f.sessionSeq++
	return fmt.Sprintf("sess-%d", f.sessionSeq), nil
}

func (f *fakeGateway) PromptSession(ctx context.Context, sessionID, prompt string, opts agentgw.PromptOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.promptErr != nil {
		return "", f.promptErr
	}
	return f.promptText, nil
}

func (f *fakeGateway) CloseSession(ctx context.Context, sessionID string) error {
	f.closed = append(f.closed, sessionID)
	return nil
}

func newTestEngine(t *testing.T, gw *fakeGateway) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "otto.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := NewEngine(st.Jobs, st.Bindings, st.Outbound, gw, nil, nil, ExecConfigs{}, 777)
	e.now = func() int64 { return 1_000_000 }
	return e, st
}

func claimOne(t *testing.T, st *store.Store, jobID string) *store.Job {
	t.Helper()
	claimed, err := st.Jobs.ClaimDue(context.Background(), 1_000_000, 10, "tok-"+jobID, 90_000, 1_000_000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, j := range claimed {
		if j.ID == jobID {
			return j
		}
	}
	t.Fatalf("job %s not claimed", jobID)
	return nil
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }

func TestExecuteRequiresLockToken(t *testing.T) {
	e, _ := newTestEngine(t, &fakeGateway{})
	err := e.ExecuteClaimedJob(context.Background(), &store.Job{ID: "naked"})
	if err == nil {
		t.Fatal("expected error for missing lock token")
	}
}

func TestRecurringJobSuccessReschedules(t *testing.T) {
	gw := &fakeGateway{promptText: `{"status":"success","summary":"reminded you about the dentist"}`}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	err := st.Jobs.CreateTask(ctx, &store.Job{
		ID: "rem", Type: "reminder", ScheduleKind: store.ScheduleRecurring,
		CadenceMinutes: int64Ptr(30), NextRunAt: int64Ptr(900_000),
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	job := claimOne(t, st, "rem")
	if err := e.ExecuteClaimedJob(ctx, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	runs, err := st.Jobs.ListRunsByJobID(ctx, "rem", 10, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %d, err %v", len(runs), err)
	}
	run := runs[0]
	if run.Status != store.RunSuccess || run.FinishedAt == nil {
		t.Fatalf("run = %+v", run)
	}
	if run.ResultJSON == nil || !strings.Contains(*run.ResultJSON, "dentist") {
		t.Errorf("result json = %v", run.ResultJSON)
	}

	j, _ := st.Jobs.GetByID(ctx, "rem")
	if j.NextRunAt == nil || *j.NextRunAt != 1_000_000+30*60_000 {
		t.Errorf("next run = %v, want %d", j.NextRunAt, 1_000_000+30*60_000)
	}
	if j.Status != store.JobIdle || j.LockToken != nil {
		t.Errorf("lock not cleared: status=%s token=%v", j.Status, j.LockToken)
	}

	// The session is bound for reuse on the next fire.
	b, err := st.Bindings.GetByBindingKey(ctx, "scheduler:task:rem:assistant")
	if err != nil || b == nil || b.SessionID == "" {
		t.Fatalf("binding = %+v, err %v", b, err)
	}
	if len(gw.opts) != 1 || gw.opts[0].ModelContext.Flow != "scheduledTask" {
		t.Errorf("prompt opts = %+v", gw.opts)
	}
}

func TestScheduledJobReusesBoundSession(t *testing.T) {
	gw := &fakeGateway{reuse: true, promptText: `{"status":"success","summary":"ok"}`}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	err := st.Bindings.Upsert(ctx, &store.SessionBinding{
		BindingKey: "scheduler:task:rem:assistant", SessionID: "sess-old",
		CreatedAt: 1, UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("seed binding: %v", err)
	}
	err = st.Jobs.CreateTask(ctx, &store.Job{
		ID: "rem", Type: "reminder", ScheduleKind: store.ScheduleRecurring,
		CadenceMinutes: int64Ptr(30), NextRunAt: int64Ptr(900_000),
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.ExecuteClaimedJob(ctx, claimOne(t, st, "rem")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(gw.ensured) != 1 || gw.ensured[0] != "sess-old" {
		t.Fatalf("EnsureSession got %v, want [sess-old]", gw.ensured)
	}
}

func TestOneShotMalformedOutputStillCompletes(t *testing.T) {
	gw := &fakeGateway{promptText: "all done, no JSON though"}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	err := st.Jobs.CreateTask(ctx, &store.Job{
		ID: "once", Type: "report", ScheduleKind: store.ScheduleOneShot,
		RunAt: int64Ptr(900_000), NextRunAt: int64Ptr(900_000),
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.ExecuteClaimedJob(ctx, claimOne(t, st, "once")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	runs, _ := st.Jobs.ListRunsByJobID(ctx, "once", 10, 0)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].ErrorCode == nil || *runs[0].ErrorCode != "invalid_result_json" {
		t.Errorf("error code = %v", runs[0].ErrorCode)
	}
	if runs[0].ResultJSON == nil || !strings.Contains(*runs[0].ResultJSON, "no JSON though") {
		t.Errorf("raw output not kept: %v", runs[0].ResultJSON)
	}

	// One-shot schedule is consumed even when the run failed.
	j, _ := st.Jobs.GetByID(ctx, "once")
	if j.TerminalState == nil || *j.TerminalState != store.TerminalCompleted || j.NextRunAt != nil {
		t.Fatalf("job = %+v", j)
	}
}

func TestGatewayErrorBecomesFailedRun(t *testing.T) {
	gw := &fakeGateway{promptErr: errors.New("gateway timeout")}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	err := st.Jobs.CreateTask(ctx, &store.Job{
		ID: "rem", Type: "reminder", ScheduleKind: store.ScheduleRecurring,
		CadenceMinutes: int64Ptr(15), NextRunAt: int64Ptr(900_000),
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.ExecuteClaimedJob(ctx, claimOne(t, st, "rem")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	runs, _ := st.Jobs.ListRunsByJobID(ctx, "rem", 10, 0)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].ErrorCode == nil || *runs[0].ErrorCode != "task_execution_error" {
		t.Errorf("error code = %v", runs[0].ErrorCode)
	}

	// Failed runs still advance the recurring schedule.
	j, _ := st.Jobs.GetByID(ctx, "rem")
	if j.NextRunAt == nil || *j.NextRunAt != 1_000_000+15*60_000 {
		t.Errorf("next run = %v", j.NextRunAt)
	}
}

func backgroundJob(chatID int64) *store.Job {
	payload := fmt.Sprintf(
		`{"version":1,"source":{"sessionId":"src-1","chatId":%d,"surface":"telegram"},"request":{"text":"summarize my inbox","requestedAt":900000}}`,
		chatID)
	return &store.Job{
		ID: "bg", Type: BackgroundJobType, ScheduleKind: store.ScheduleOneShot,
		RunAt: int64Ptr(900_000), NextRunAt: int64Ptr(900_000), Payload: &payload,
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	}
}

func TestBackgroundRunLifecycle(t *testing.T) {
	gw := &fakeGateway{promptText: `{"status":"success","summary":"inbox summarized"}`}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	if err := st.Jobs.CreateTask(ctx, backgroundJob(55)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.ExecuteClaimedJob(ctx, claimOne(t, st, "bg")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	runs, _ := st.Jobs.ListRunsByJobID(ctx, "bg", 10, 0)
	if len(runs) != 1 || runs[0].Status != store.RunSuccess {
		t.Fatalf("runs = %+v", runs)
	}
	runID := runs[0].ID

	// Fresh session, then closed and recorded as closed.
	if len(gw.ensured) != 1 || gw.ensured[0] != "" {
		t.Errorf("EnsureSession got %v, want a fresh session", gw.ensured)
	}
	if len(gw.closed) != 1 {
		t.Errorf("closed sessions = %v", gw.closed)
	}
	active, _ := st.Jobs.ListActiveRunSessionsByJobID(ctx, "bg")
	if len(active) != 0 {
		t.Errorf("run session left open: %+v", active)
	}

	// Both lifecycle messages, keyed on the run.
	started, err := st.Outbound.GetByDedupeKey(ctx, fmt.Sprintf("bg-run:bg:%s:started", runID))
	if err != nil || started.ChatID != 55 {
		t.Fatalf("started message = %+v, err %v", started, err)
	}
	final, err := st.Outbound.GetByDedupeKey(ctx, fmt.Sprintf("bg-run:bg:%s:final_success", runID))
	if err != nil {
		t.Fatalf("final message: %v", err)
	}
	if !strings.Contains(final.Content, "inbox summarized") {
		t.Errorf("final content = %q", final.Content)
	}
	if final.Priority != store.PriorityNormal {
		t.Errorf("final priority = %s", final.Priority)
	}

	j, _ := st.Jobs.GetByID(ctx, "bg")
	if j.TerminalState == nil || *j.TerminalState != store.TerminalCompleted {
		t.Fatalf("job not finalized: %+v", j)
	}
}

func TestBackgroundFailureAlertsHigh(t *testing.T) {
	gw := &fakeGateway{promptErr: errors.New("agent crashed")}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	if err := st.Jobs.CreateTask(ctx, backgroundJob(55)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.ExecuteClaimedJob(ctx, claimOne(t, st, "bg")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	runs, _ := st.Jobs.ListRunsByJobID(ctx, "bg", 10, 0)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}
	final, err := st.Outbound.GetByDedupeKey(ctx, fmt.Sprintf("bg-run:bg:%s:final_failed", runs[0].ID))
	if err != nil {
		t.Fatalf("final message: %v", err)
	}
	if final.Priority != store.PriorityHigh {
		t.Errorf("failed final priority = %s, want high", final.Priority)
	}
	if len(gw.closed) != 1 {
		t.Errorf("session not closed on failure: %v", gw.closed)
	}
}

func TestBackgroundInvalidPayload(t *testing.T) {
	gw := &fakeGateway{}
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	payload := `{"version":2,"request":{"text":"hi"}}`
	err := st.Jobs.CreateTask(ctx, &store.Job{
		ID: "bg", Type: BackgroundJobType, ScheduleKind: store.ScheduleOneShot,
		RunAt: int64Ptr(900_000), NextRunAt: int64Ptr(900_000), Payload: &payload,
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.ExecuteClaimedJob(ctx, claimOne(t, st, "bg")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	runs, _ := st.Jobs.ListRunsByJobID(ctx, "bg", 10, 0)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].ErrorCode == nil || *runs[0].ErrorCode != "invalid_task_payload" {
		t.Errorf("error code = %v", runs[0].ErrorCode)
	}
	if len(gw.ensured) != 0 {
		t.Errorf("session opened for invalid payload: %v", gw.ensured)
	}
}
