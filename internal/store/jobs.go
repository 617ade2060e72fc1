package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ScheduleKind says whether a job fires once or on a cadence.
type ScheduleKind string

const (
	ScheduleOneShot   ScheduleKind = "oneshot"
	ScheduleRecurring ScheduleKind = "recurring"
)

// JobStatus is the job's scheduling lifecycle state.
type JobStatus string

const (
	JobIdle    JobStatus = "idle"
	JobRunning JobStatus = "running"
	JobPaused  JobStatus = "paused"
)

// TerminalState marks a job that will never run again.
type TerminalState string

const (
	TerminalCompleted TerminalState = "completed"
	TerminalCancelled TerminalState = "cancelled"
	TerminalFailed    TerminalState = "failed"
)

// Job is a schedulable unit of work. Invariants: a terminal job has no
// next_run_at and no lock; lock_token and lock_expires_at are set together;
// recurring jobs carry a positive cadence.
type Job struct {
	ID             string
	Type           string
	ScheduleKind   ScheduleKind
	CadenceMinutes *int64
	RunAt          *int64
	ProfileID      *string
	ModelRef       *string
	Payload        *string
	Status         JobStatus
	LastRunAt      *int64
	NextRunAt      *int64
	TerminalState  *TerminalState
	TerminalReason *string
	LockToken      *string
	LockExpiresAt  *int64
	CreatedAt      int64
	UpdatedAt      int64
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// JobsRepo persists jobs, their runs and their run sessions.
type JobsRepo struct {
	q dbtx
}

const jobColumns = `id, type, schedule_kind, cadence_minutes, run_at, profile_id, model_ref,
	payload, status, last_run_at, next_run_at, terminal_state, terminal_reason,
	lock_token, lock_expires_at, created_at, updated_at`

func scanJob(row interface{ Scan(dest ...any) error }) (*Job, error) {
	var j Job
	var terminal sql.NullString
	err := row.Scan(
		&j.ID, &j.Type, &j.ScheduleKind, &j.CadenceMinutes, &j.RunAt, &j.ProfileID,
		&j.ModelRef, &j.Payload, &j.Status, &j.LastRunAt, &j.NextRunAt,
		&terminal, &j.TerminalReason, &j.LockToken, &j.LockExpiresAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if terminal.Valid {
		ts := TerminalState(terminal.String)
		j.TerminalState = &ts
	}
	return &j, nil
}

// GetByID fetches one job.
func (r *JobsRepo) GetByID(ctx context.Context, id string) (*Job, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// CreateTask inserts a new job row.
func (r *JobsRepo) CreateTask(ctx context.Context, j *Job) error {
	var terminal *string
	if j.TerminalState != nil {
		s := string(*j.TerminalState)
		terminal = &s
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.ScheduleKind, j.CadenceMinutes, j.RunAt, j.ProfileID,
		j.ModelRef, j.Payload, j.Status, j.LastRunAt, j.NextRunAt,
		terminal, j.TerminalReason, j.LockToken, j.LockExpiresAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

// TaskUpdate is a partial update applied by UpdateTask; nil fields are left
// untouched.
type TaskUpdate struct {
	Type           *string
	ScheduleKind   *ScheduleKind
	CadenceMinutes *int64 // set together with ScheduleKind
	RunAt          *int64
	ProfileID      *string
	ModelRef       *string
	Payload        *string
	NextRunAt      *int64
}

// UpdateTask applies a partial update to a non-terminal job.
func (r *JobsRepo) UpdateTask(ctx context.Context, id string, upd TaskUpdate, updatedAt int64) error {
	sets := []string{"updated_at = ?"}
	args := []any{updatedAt}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Type != nil {
		add("type", *upd.Type)
	}
	if upd.ScheduleKind != nil {
		add("schedule_kind", *upd.ScheduleKind)
		add("cadence_minutes", upd.CadenceMinutes)
		add("run_at", upd.RunAt)
	}
	if upd.ProfileID != nil {
		add("profile_id", *upd.ProfileID)
	}
	if upd.ModelRef != nil {
		add("model_ref", *upd.ModelRef)
	}
	if upd.Payload != nil {
		add("payload", *upd.Payload)
	}
	if upd.NextRunAt != nil {
		add("next_run_at", *upd.NextRunAt)
	}

	args = append(args, id)
	res, err := r.q.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND terminal_state IS NULL`,
		args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelTask moves a job to the cancelled terminal state and clears its
// schedule and lock. Already-terminal jobs are left untouched.
func (r *JobsRepo) CancelTask(ctx context.Context, id string, reason *string, updatedAt int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET terminal_state = 'cancelled', terminal_reason = ?,
			next_run_at = NULL, lock_token = NULL, lock_expires_at = NULL,
			status = 'idle', updated_at = ?
		WHERE id = ? AND terminal_state IS NULL`,
		reason, updatedAt, id)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RunTaskNow makes the job due at scheduledFor, clearing any terminal state.
// Idempotent: repeated calls just restamp next_run_at.
func (r *JobsRepo) RunTaskNow(ctx context.Context, id string, scheduledFor, updatedAt int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET next_run_at = ?, terminal_state = NULL, terminal_reason = NULL,
			status = 'idle', lock_token = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		scheduledFor, updatedAt, id)
	if err != nil {
		return fmt.Errorf("run-now job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasksFilter narrows ListTasks.
type ListTasksFilter struct {
	Type   string
	Limit  int
	Offset int
}

// ListTasks returns jobs ordered by creation time, newest first.
func (r *JobsRepo) ListTasks(ctx context.Context, f ListTasksFilter) ([]*Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	where := "1=1"
	args := []any{}
	if f.Type != "" {
		where = "type = ?"
		args = append(args, f.Type)
	}
	args = append(args, limit, f.Offset)

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListDue returns claimable jobs: non-terminal, idle, due, and either
// unlocked or holding an expired lease.
func (r *JobsRepo) ListDue(ctx context.Context, now int64) ([]*Job, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE terminal_state IS NULL AND status = 'idle' AND next_run_at IS NOT NULL
			AND next_run_at <= ? AND (lock_token IS NULL OR lock_expires_at <= ?)
		ORDER BY next_run_at ASC, id ASC`, now, now)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimDue atomically stamps up to limit due jobs with the lock token and a
// lease expiring at now+lockLeaseMs, moving them to running. Expired leases
// are stealable. Returns the claimed rows.
func (r *JobsRepo) ClaimDue(ctx context.Context, now int64, limit int, lockToken string, lockLeaseMs, updatedAt int64) ([]*Job, error) {
	_, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET lock_token = ?, lock_expires_at = ?, status = 'running', updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE terminal_state IS NULL AND status = 'idle' AND next_run_at IS NOT NULL
				AND next_run_at <= ? AND (lock_token IS NULL OR lock_expires_at <= ?)
			ORDER BY next_run_at ASC, id ASC LIMIT ?
		)`,
		lockToken, now+lockLeaseMs, updatedAt, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE lock_token = ? ORDER BY next_run_at ASC, id ASC`, lockToken)
	if err != nil {
		return nil, fmt.Errorf("select claimed jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ReleaseLock clears the lease and returns the job to idle, provided the
// caller still holds the token. A stolen lease makes this a no-op.
func (r *JobsRepo) ReleaseLock(ctx context.Context, id, lockToken string, updatedAt int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET lock_token = NULL, lock_expires_at = NULL, status = 'idle', updated_at = ?
		WHERE id = ? AND lock_token = ?`,
		updatedAt, id, lockToken)
	if err != nil {
		return fmt.Errorf("release lock on %s: %w", id, err)
	}
	return nil
}

// RescheduleRecurring advances a recurring job past a finished run. No-op
// when the lease has been stolen.
func (r *JobsRepo) RescheduleRecurring(ctx context.Context, id, lockToken string, lastRunAt, nextRunAt, updatedAt int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET last_run_at = ?, next_run_at = ?, status = 'idle',
			lock_token = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lock_token = ?`,
		lastRunAt, nextRunAt, updatedAt, id, lockToken)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	return nil
}

// FinalizeOneShot finishes a one-shot job into a terminal state. No-op when
// the lease has been stolen.
func (r *JobsRepo) FinalizeOneShot(ctx context.Context, id, lockToken string, state TerminalState, reason *string, lastRunAt, updatedAt int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET terminal_state = ?, terminal_reason = ?, last_run_at = ?,
			next_run_at = NULL, status = 'idle', lock_token = NULL, lock_expires_at = NULL,
			updated_at = ?
		WHERE id = ? AND lock_token = ?`,
		string(state), reason, lastRunAt, updatedAt, id, lockToken)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	return nil
}

// CountStaleLocked counts jobs still holding an expired lease; logged at
// startup as a crash-recovery signal.
func (r *JobsRepo) CountStaleLocked(ctx context.Context, now int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE terminal_state IS NULL AND lock_token IS NOT NULL AND lock_expires_at <= ?`,
		now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale locks: %w", err)
	}
	return n, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
