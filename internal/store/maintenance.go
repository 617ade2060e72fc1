package store

import (
	"context"
	"fmt"
)

// DeleteFinishedRunsBefore removes finished runs older than cutoff along
// with their closed run sessions. In-flight runs are never touched.
func (r *JobsRepo) DeleteFinishedRunsBefore(ctx context.Context, cutoff int64) (int64, error) {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM job_run_sessions
		WHERE closed_at IS NOT NULL AND run_id IN (
			SELECT id FROM job_runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep run sessions: %w", err)
	}

	res, err := r.q.ExecContext(ctx, `
		DELETE FROM job_runs
		WHERE finished_at IS NOT NULL AND finished_at < ?
			AND id NOT IN (SELECT run_id FROM job_run_sessions)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteTerminalBefore removes sent and failed outbound records whose last
// update is older than cutoff. Queued records are kept regardless of age.
func (r *OutboundRepo) DeleteTerminalBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		DELETE FROM outbound_messages
		WHERE status IN ('sent', 'failed') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep outbound: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
