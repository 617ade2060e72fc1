package taskengine

import (
	"testing"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/store"
)

func TestResolveScheduleTransition(t *testing.T) {
	cadence := int64(30)

	t.Run("recurring reschedules by cadence", func(t *testing.T) {
		job := &store.Job{ID: "r", ScheduleKind: store.ScheduleRecurring, CadenceMinutes: &cadence}
		tr, err := ResolveScheduleTransition(job, 1_000_000)
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if tr.Mode != ModeReschedule {
			t.Fatalf("mode = %s", tr.Mode)
		}
		if tr.NextRunAt != 1_000_000+30*60_000 {
			t.Errorf("next = %d", tr.NextRunAt)
		}
		if tr.LastRunAt != 1_000_000 {
			t.Errorf("last = %d", tr.LastRunAt)
		}
	})

	t.Run("oneshot finalizes completed", func(t *testing.T) {
		job := &store.Job{ID: "o", ScheduleKind: store.ScheduleOneShot}
		tr, err := ResolveScheduleTransition(job, 500)
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if tr.Mode != ModeFinalize || tr.TerminalState != store.TerminalCompleted {
			t.Fatalf("transition = %+v", tr)
		}
	})

	t.Run("recurring without cadence errors", func(t *testing.T) {
		job := &store.Job{ID: "bad", ScheduleKind: store.ScheduleRecurring}
		_, err := ResolveScheduleTransition(job, 500)
		if oerr.CodeOf(err) != oerr.CodeInvalidCadence {
			t.Fatalf("err = %v, want invalid_cadence", err)
		}

		zero := int64(0)
		job.CadenceMinutes = &zero
		_, err = ResolveScheduleTransition(job, 500)
		if oerr.CodeOf(err) != oerr.CodeInvalidCadence {
			t.Fatalf("err = %v, want invalid_cadence", err)
		}
	})
}
