package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ottolabs/otto/internal/config"
	"github.com/ottolabs/otto/internal/store"
)

func TestNewSweeperValidatesSchedule(t *testing.T) {
	st := openTestStore(t)

	if _, err := NewSweeper(config.MaintenanceConfig{Schedule: "30 3 * * *", RetentionDays: 30}, st); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	for _, bad := range []string{"", "not cron", "30 3 * *", "61 3 * * *"} {
		if _, err := NewSweeper(config.MaintenanceConfig{Schedule: bad, RetentionDays: 30}, st); err == nil {
			t.Errorf("schedule %q accepted", bad)
		}
	}
}

func TestSweepDeletesAgedRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	s, err := NewSweeper(config.MaintenanceConfig{Schedule: "30 3 * * *", RetentionDays: 30}, st)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	now := time.UnixMilli(100 * 24 * 60 * 60 * 1000) // day 100
	s.now = func() time.Time { return now }
	cutoff := now.UnixMilli() - 30*24*60*60*1000

	if err := st.Jobs.CreateTask(ctx, &store.Job{
		ID: "j", Type: "reminder", ScheduleKind: store.ScheduleRecurring,
		Status: store.JobIdle, CreatedAt: 1, UpdatedAt: 1,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	oldFin := cutoff - 1000
	recentFin := cutoff + 1000
	for id, fin := range map[string]int64{"old-run": oldFin, "recent-run": recentFin} {
		f := fin
		if err := st.Jobs.InsertRun(ctx, &store.Run{
			ID: id, JobID: "j", ScheduledFor: f, StartedAt: f,
			FinishedAt: &f, Status: store.RunSuccess, CreatedAt: f,
		}); err != nil {
			t.Fatalf("insert run %s: %v", id, err)
		}
	}

	s.Sweep(ctx)

	if _, err := st.Jobs.GetRunByID(ctx, "old-run"); err != store.ErrNotFound {
		t.Errorf("old run survived: err=%v", err)
	}
	if _, err := st.Jobs.GetRunByID(ctx, "recent-run"); err != nil {
		t.Errorf("recent run swept: %v", err)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "otto.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
