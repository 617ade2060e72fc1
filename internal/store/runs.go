package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RunStatus is the outcome of a single job run. A placeholder run is
// inserted as skipped with a null finished_at so in-flight work is visible.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Run is one execution of a job.
type Run struct {
	ID           string
	JobID        string
	ScheduledFor int64
	StartedAt    int64
	FinishedAt   *int64
	Status       RunStatus
	ErrorCode    *string
	ErrorMessage *string
	ResultJSON   *string
	CreatedAt    int64
}

// RunSession records the agent session used by a background run.
type RunSession struct {
	RunID             string
	JobID             string
	SessionID         string
	CreatedAt         int64
	ClosedAt          *int64
	CloseErrorMessage *string
}

const runColumns = `id, job_id, scheduled_for, started_at, finished_at, status,
	error_code, error_message, result_json, created_at`

func scanRun(row interface{ Scan(dest ...any) error }) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.JobID, &r.ScheduledFor, &r.StartedAt, &r.FinishedAt,
		&r.Status, &r.ErrorCode, &r.ErrorMessage, &r.ResultJSON, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertRun records a new run row (normally the in-flight placeholder).
func (r *JobsRepo) InsertRun(ctx context.Context, run *Run) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO job_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.ScheduledFor, run.StartedAt, run.FinishedAt,
		run.Status, run.ErrorCode, run.ErrorMessage, run.ResultJSON, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// MarkRunFinished finalizes a run. Only unfinished rows are touched, so a
// second call is a no-op.
func (r *JobsRepo) MarkRunFinished(ctx context.Context, runID string, status RunStatus, finishedAt int64, errorCode, errorMessage, resultJSON *string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, finished_at = ?, error_code = ?, error_message = ?, result_json = ?
		WHERE id = ? AND finished_at IS NULL`,
		status, finishedAt, errorCode, errorMessage, resultJSON, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// GetRunByID fetches one run.
func (r *JobsRepo) GetRunByID(ctx context.Context, runID string) (*Run, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRunsByJobID pages a job's runs, newest first.
func (r *JobsRepo) ListRunsByJobID(ctx context.Context, jobID string, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM job_runs WHERE job_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", jobID, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// CountRunsByJobID counts a job's runs.
func (r *JobsRepo) CountRunsByJobID(ctx context.Context, jobID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_runs WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs for %s: %w", jobID, err)
	}
	return n, nil
}

// ListRecentFailedRuns returns failed runs started at or after since,
// newest first.
func (r *JobsRepo) ListRecentFailedRuns(ctx context.Context, since int64, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE status = 'failed' AND started_at >= ?
		ORDER BY started_at DESC, id DESC LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent failed runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RunWithType is a run joined with its job's type, used by heartbeat and
// digest summaries.
type RunWithType struct {
	Run
	JobType string
}

// ListRecentRuns returns runs started at or after since joined with the job
// type, newest first.
func (r *JobsRepo) ListRecentRuns(ctx context.Context, since int64, limit int) ([]*RunWithType, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT r.id, r.job_id, r.scheduled_for, r.started_at, r.finished_at, r.status,
			r.error_code, r.error_message, r.result_json, r.created_at, j.type
		FROM job_runs r JOIN jobs j ON j.id = r.job_id
		WHERE r.started_at >= ?
		ORDER BY r.started_at DESC, r.id DESC LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	var out []*RunWithType
	for rows.Next() {
		var rt RunWithType
		if err := rows.Scan(
			&rt.ID, &rt.JobID, &rt.ScheduledFor, &rt.StartedAt, &rt.FinishedAt,
			&rt.Status, &rt.ErrorCode, &rt.ErrorMessage, &rt.ResultJSON, &rt.CreatedAt,
			&rt.JobType,
		); err != nil {
			return nil, fmt.Errorf("scan recent run: %w", err)
		}
		out = append(out, &rt)
	}
	return out, rows.Err()
}

// InsertRunSession records the agent session opened for a run.
func (r *JobsRepo) InsertRunSession(ctx context.Context, rs *RunSession) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO job_run_sessions (run_id, job_id, session_id, created_at, closed_at, close_error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rs.RunID, rs.JobID, rs.SessionID, rs.CreatedAt, rs.ClosedAt, rs.CloseErrorMessage)
	if err != nil {
		return fmt.Errorf("insert run session %s: %w", rs.RunID, err)
	}
	return nil
}

// MarkRunSessionClosed stamps closed_at; closeErr may be set without
// closed_at elsewhere, but the normal path records both together.
func (r *JobsRepo) MarkRunSessionClosed(ctx context.Context, runID string, closedAt int64, closeErr *string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE job_run_sessions SET closed_at = ?, close_error_message = ?
		WHERE run_id = ?`,
		closedAt, closeErr, runID)
	if err != nil {
		return fmt.Errorf("close run session %s: %w", runID, err)
	}
	return nil
}

// ListActiveRunSessionsByJobID returns the job's sessions that have not been
// closed yet.
func (r *JobsRepo) ListActiveRunSessionsByJobID(ctx context.Context, jobID string) ([]*RunSession, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT run_id, job_id, session_id, created_at, closed_at, close_error_message
		FROM job_run_sessions WHERE job_id = ? AND closed_at IS NULL
		ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*RunSession
	for rows.Next() {
		var rs RunSession
		if err := rows.Scan(&rs.RunID, &rs.JobID, &rs.SessionID, &rs.CreatedAt, &rs.ClosedAt, &rs.CloseErrorMessage); err != nil {
			return nil, fmt.Errorf("scan run session: %w", err)
		}
		out = append(out, &rs)
	}
	return out, rows.Err()
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
