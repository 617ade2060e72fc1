package watchdog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/store"
)

func TestParseParams(t *testing.T) {
	t.Run("empty payload uses defaults", func(t *testing.T) {
		p, err := ParseParams("")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if p.LookbackMinutes != DefaultParams.LookbackMinutes ||
			p.Threshold != DefaultParams.Threshold ||
			p.MaxFailures != DefaultParams.MaxFailures ||
			p.Notify != DefaultParams.Notify ||
			len(p.ExcludeTaskTypes) != 0 {
			t.Fatalf("params = %+v, want defaults", p)
		}
	})

	t.Run("partial payload overrides only set fields", func(t *testing.T) {
		p, err := ParseParams(`{"threshold":1,"notify":false}`)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if p.Threshold != 1 || p.Notify {
			t.Fatalf("params = %+v", p)
		}
		if p.LookbackMinutes != 120 || p.MaxFailures != 50 {
			t.Errorf("defaults not kept: %+v", p)
		}
	})

	t.Run("out of range values are rejected", func(t *testing.T) {
		for _, raw := range []string{
			`{"lookbackMinutes":4}`,
			`{"lookbackMinutes":1441}`,
			`{"threshold":0}`,
			`{"threshold":51}`,
			`{"maxFailures":0}`,
			`{"maxFailures":201}`,
			`not json`,
		} {
			if _, err := ParseParams(raw); oerr.CodeOf(err) != oerr.CodeInvalidWatchdogPayload {
				t.Errorf("ParseParams(%q) err = %v, want invalid_watchdog_payload", raw, err)
			}
		}
	})
}

func testChecker(t *testing.T, defaultChatID int64) (*Checker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "otto.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewChecker(st.Jobs, st.Outbound, defaultChatID), st
}

func seedFailedRuns(t *testing.T, st *store.Store, jobID, jobType string, startedAts ...int64) {
	t.Helper()
	ctx := context.Background()
	if err := st.Jobs.CreateTask(ctx, &store.Job{
		ID: jobID, Type: jobType, ScheduleKind: store.ScheduleRecurring,
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	for i, at := range startedAts {
		msg := "run blew up"
		fin := at + 10
		err := st.Jobs.InsertRun(ctx, &store.Run{
			ID: jobID + "-r" + string(rune('a'+i)), JobID: jobID,
			ScheduledFor: at, StartedAt: at, FinishedAt: &fin,
			Status: store.RunFailed, ErrorMessage: &msg, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("insert run: %v", err)
		}
	}
}

func TestCheckBelowThreshold(t *testing.T) {
	checker, st := testChecker(t, 99)
	now := int64(10_000_000)
	seedFailedRuns(t, st, "j1", "reminder", now-1000, now-2000)

	res, err := checker.CheckTaskFailures(context.Background(), DefaultParams, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.FailedCount != 2 || res.ShouldAlert {
		t.Fatalf("result = %+v", res)
	}
	if res.NotificationStatus != NotifyNotRequested {
		t.Errorf("status = %s", res.NotificationStatus)
	}
}

func TestCheckAlertsOnceThenDuplicates(t *testing.T) {
	checker, st := testChecker(t, 99)
	ctx := context.Background()
	now := int64(10_000_000)
	seedFailedRuns(t, st, "j1", "reminder", now-1000, now-2000, now-3000)

	res, err := checker.CheckTaskFailures(ctx, DefaultParams, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.ShouldAlert || res.NotificationStatus != NotifyEnqueued {
		t.Fatalf("first check = %+v", res)
	}

	// Identical picture in the same bucket: deduped.
	res, err = checker.CheckTaskFailures(ctx, DefaultParams, now+1)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if res.NotificationStatus != NotifyDuplicate {
		t.Fatalf("second check = %+v, want duplicate", res)
	}

	due, _ := st.Outbound.ListDue(ctx, now+60_000)
	if len(due) != 1 {
		t.Fatalf("alert count = %d, want 1", len(due))
	}
	if due[0].Priority != store.PriorityHigh {
		t.Errorf("alert priority = %s", due[0].Priority)
	}
	if !strings.Contains(due[0].Content, "3 failed run(s)") {
		t.Errorf("alert content = %q", due[0].Content)
	}
}

func TestCheckOutsideLookbackIgnored(t *testing.T) {
	checker, st := testChecker(t, 99)
	now := int64(10_000_000)
	// All failures older than the 120 minute lookback.
	old := now - 121*60_000
	seedFailedRuns(t, st, "j1", "reminder", old, old-1, old-2)

	res, err := checker.CheckTaskFailures(context.Background(), DefaultParams, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.FailedCount != 0 || res.ShouldAlert {
		t.Fatalf("result = %+v", res)
	}
}

func TestCheckExcludesTaskTypes(t *testing.T) {
	checker, st := testChecker(t, 99)
	now := int64(10_000_000)
	seedFailedRuns(t, st, "noisy", "heartbeat", now-1000, now-2000)
	seedFailedRuns(t, st, "real", "reminder", now-3000)

	params := DefaultParams
	params.ExcludeTaskTypes = []string{"heartbeat"}
	res, err := checker.CheckTaskFailures(context.Background(), params, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.FailedCount != 1 {
		t.Fatalf("failed count = %d, want 1", res.FailedCount)
	}
}

func TestCheckNoChatConfigured(t *testing.T) {
	checker, st := testChecker(t, 0)
	now := int64(10_000_000)
	seedFailedRuns(t, st, "j1", "reminder", now-1000, now-2000, now-3000)

	res, err := checker.CheckTaskFailures(context.Background(), DefaultParams, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.ShouldAlert || res.NotificationStatus != NotifyNoChatID {
		t.Fatalf("result = %+v, want no_chat_id", res)
	}
}

func TestCheckNotifyDisabled(t *testing.T) {
	checker, st := testChecker(t, 99)
	now := int64(10_000_000)
	seedFailedRuns(t, st, "j1", "reminder", now-1000, now-2000, now-3000)

	params := DefaultParams
	params.Notify = false
	res, err := checker.CheckTaskFailures(context.Background(), params, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.ShouldAlert || res.NotificationStatus != NotifyNotRequested {
		t.Fatalf("result = %+v", res)
	}
	due, _ := st.Outbound.ListDue(context.Background(), now+60_000)
	if len(due) != 0 {
		t.Fatalf("alert enqueued with notify=false: %+v", due)
	}
}
