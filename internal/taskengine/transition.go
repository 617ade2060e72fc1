package taskengine

import (
	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/store"
)

// TransitionMode says how the schedule advances after a run.
type TransitionMode string

const (
	ModeReschedule TransitionMode = "reschedule"
	ModeFinalize   TransitionMode = "finalize"
)

// Transition is the schedule mutation computed from a finished run.
type Transition struct {
	Mode           TransitionMode
	LastRunAt      int64
	NextRunAt      int64 // reschedule only
	TerminalState  store.TerminalState
	TerminalReason *string
}

// ResolveScheduleTransition maps (schedule kind, cadence, finish time) to the
// next schedule state. Pure. Recurring jobs need a positive cadence.
func ResolveScheduleTransition(job *store.Job, finishedAt int64) (Transition, error) {
	if job.ScheduleKind == store.ScheduleRecurring {
		if job.CadenceMinutes == nil || *job.CadenceMinutes <= 0 {
			return Transition{}, oerr.E(oerr.CodeInvalidCadence,
				"recurring job %s has no positive cadence", job.ID)
		}
		return Transition{
			Mode:      ModeReschedule,
			LastRunAt: finishedAt,
			NextRunAt: finishedAt + *job.CadenceMinutes*60_000,
		}, nil
	}
	return Transition{
		Mode:          ModeFinalize,
		LastRunAt:     finishedAt,
		TerminalState: store.TerminalCompleted,
	}, nil
}
