package store

import (
	"context"
	"testing"
)

func TestDeleteFinishedRunsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustCreateJob(t, s, &Job{
		ID: "j1", Type: "reminder", ScheduleKind: ScheduleRecurring,
		CadenceMinutes: int64Ptr(60), CreatedAt: 1, UpdatedAt: 1,
	})

	insertRun := func(id string, finishedAt *int64) {
		t.Helper()
		err := s.Jobs.InsertRun(ctx, &Run{
			ID: id, JobID: "j1", ScheduledFor: 10, StartedAt: 10,
			FinishedAt: finishedAt, Status: RunSuccess, CreatedAt: 10,
		})
		if err != nil {
			t.Fatalf("insert run %s: %v", id, err)
		}
	}
	insertRun("old", int64Ptr(100))
	insertRun("recent", int64Ptr(10_000))
	insertRun("inflight", nil)

	// Closed session attached to the old run must go with it.
	err := s.Jobs.InsertRunSession(ctx, &RunSession{
		RunID: "old", JobID: "j1", SessionID: "sess-1",
		CreatedAt: 10, ClosedAt: int64Ptr(150),
	})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}

	n, err := s.Jobs.DeleteFinishedRunsBefore(ctx, 5000)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d runs, want 1", n)
	}
	if _, err := s.Jobs.GetRunByID(ctx, "old"); err != ErrNotFound {
		t.Errorf("old run survived: err=%v", err)
	}
	if _, err := s.Jobs.GetRunByID(ctx, "recent"); err != nil {
		t.Errorf("recent run deleted: %v", err)
	}
	if _, err := s.Jobs.GetRunByID(ctx, "inflight"); err != nil {
		t.Errorf("in-flight run deleted: %v", err)
	}
}

func TestDeleteTerminalOutboundBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Outbound.Enqueue(ctx, queuedMessage("queued-old", "", 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Outbound.Enqueue(ctx, queuedMessage("sent-old", "", 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Outbound.MarkSent(ctx, "sent-old", 1, 20); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.Outbound.Enqueue(ctx, queuedMessage("sent-recent", "", 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Outbound.MarkSent(ctx, "sent-recent", 1, 9000); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	n, err := s.Outbound.DeleteTerminalBefore(ctx, 5000)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, err := s.Outbound.GetByID(ctx, "sent-old"); err != ErrNotFound {
		t.Errorf("old sent row survived: err=%v", err)
	}
	// Queued rows are kept no matter how old.
	if _, err := s.Outbound.GetByID(ctx, "queued-old"); err != nil {
		t.Errorf("queued row swept: %v", err)
	}
	if _, err := s.Outbound.GetByID(ctx, "sent-recent"); err != nil {
		t.Errorf("recent sent row swept: %v", err)
	}
}
