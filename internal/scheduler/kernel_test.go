package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ottolabs/otto/internal/config"
	"github.com/ottolabs/otto/internal/store"
)

// recordingExecutor captures claimed jobs and optionally fails them.
type recordingExecutor struct {
	jobs []*store.Job
	err  error
}

func (e *recordingExecutor) ExecuteClaimedJob(ctx context.Context, job *store.Job) error {
	e.jobs = append(e.jobs, job)
	return e.err
}

func testKernel(t *testing.T, executor Executor, batchSize int) (*Kernel, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "otto.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.SchedulerConfig{Enabled: true, TickMs: 1000, BatchSize: batchSize, LockLeaseMs: 90_000}
	k := NewKernel(st.Jobs, executor, cfg)
	k.now = func() int64 { return 1_000_000 }
	return k, st
}

func seedDueJob(t *testing.T, st *store.Store, id string, nextRunAt int64) {
	t.Helper()
	err := st.Jobs.CreateTask(context.Background(), &store.Job{
		ID: id, Type: "reminder", ScheduleKind: store.ScheduleRecurring,
		Status: store.JobIdle, NextRunAt: &nextRunAt, CreatedAt: 1, UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("create job %s: %v", id, err)
	}
}

func TestRunTickHandsClaimedJobToExecutor(t *testing.T) {
	exec := &recordingExecutor{}
	k, st := testKernel(t, exec, 20)
	ctx := context.Background()
	seedDueJob(t, st, "due", 900_000)
	seedDueJob(t, st, "later", 2_000_000)

	k.RunTick(ctx)

	if len(exec.jobs) != 1 || exec.jobs[0].ID != "due" {
		t.Fatalf("executed = %+v", exec.jobs)
	}
	job := exec.jobs[0]
	if job.Status != store.JobRunning {
		t.Errorf("claimed status = %s", job.Status)
	}
	if job.LockToken == nil || *job.LockToken == "" {
		t.Error("claimed job carries no lock token")
	}
	if job.LockExpiresAt == nil || *job.LockExpiresAt != 1_000_000+90_000 {
		t.Errorf("lease = %v", job.LockExpiresAt)
	}
}

func TestRunTickExecutorErrorReleasesLock(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("gateway down")}
	k, st := testKernel(t, exec, 20)
	ctx := context.Background()
	seedDueJob(t, st, "due", 900_000)

	k.RunTick(ctx)

	job, err := st.Jobs.GetByID(ctx, "due")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != store.JobIdle || job.LockToken != nil {
		t.Fatalf("job not released: %+v", job)
	}

	// Released means claimable again on the very next tick.
	k.RunTick(ctx)
	if len(exec.jobs) != 2 {
		t.Errorf("reclaim count = %d, want 2", len(exec.jobs))
	}
}

func TestRunTickNilExecutorReleases(t *testing.T) {
	k, st := testKernel(t, nil, 20)
	ctx := context.Background()
	seedDueJob(t, st, "due", 900_000)

	k.RunTick(ctx)

	job, err := st.Jobs.GetByID(ctx, "due")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != store.JobIdle || job.LockToken != nil {
		t.Fatalf("job not released: %+v", job)
	}
}

func TestRunTickHonorsBatchSize(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("keep them claimable")}
	k, st := testKernel(t, exec, 1)
	ctx := context.Background()
	seedDueJob(t, st, "a", 900_000)
	seedDueJob(t, st, "b", 900_000)

	k.RunTick(ctx)
	if len(exec.jobs) != 1 {
		t.Fatalf("first tick executed %d jobs, want 1", len(exec.jobs))
	}
	k.RunTick(ctx)
	if len(exec.jobs) != 2 {
		t.Fatalf("second tick executed %d total, want 2", len(exec.jobs))
	}
}

func TestRunTickCoalescesOverlap(t *testing.T) {
	exec := &recordingExecutor{}
	k, st := testKernel(t, exec, 20)
	ctx := context.Background()
	seedDueJob(t, st, "due", 900_000)

	k.mu.Lock()
	k.state = stateTicking
	k.mu.Unlock()

	k.RunTick(ctx)
	if len(exec.jobs) != 0 {
		t.Fatalf("overlapping tick ran: %+v", exec.jobs)
	}

	k.mu.Lock()
	k.state = stateIdle
	k.mu.Unlock()
	k.RunTick(ctx)
	if len(exec.jobs) != 1 {
		t.Fatalf("tick after idle executed %d", len(exec.jobs))
	}
}

func TestRunTickAfterStopIsNoop(t *testing.T) {
	exec := &recordingExecutor{}
	k, st := testKernel(t, exec, 20)
	ctx := context.Background()
	seedDueJob(t, st, "due", 900_000)

	k.Stop(ctx)
	k.RunTick(ctx)
	if len(exec.jobs) != 0 {
		t.Fatalf("tick ran after stop: %+v", exec.jobs)
	}
}
