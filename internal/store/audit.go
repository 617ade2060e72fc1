package store

import (
	"context"
	"fmt"
)

// TaskAudit is one append-only record of a job mutation.
type TaskAudit struct {
	ID         string
	JobID      string
	Action     string // create | update | cancel | run_now
	BeforeJSON *string
	AfterJSON  *string
	CreatedAt  int64
}

// CommandStatus is the outcome recorded for a control-plane call.
type CommandStatus string

const (
	CommandSuccess CommandStatus = "success"
	CommandFailed  CommandStatus = "failed"
	CommandDenied  CommandStatus = "denied"
)

// CommandAudit is one append-only record of a control-plane call.
type CommandAudit struct {
	ID           string
	Command      string
	Lane         string
	Status       CommandStatus
	MetadataJSON *string
	ErrorMessage *string
	CreatedAt    int64
}

// AuditRepo persists the two append-only audit logs.
type AuditRepo struct {
	q dbtx
}

// InsertTaskAudit appends a task mutation record.
func (r *AuditRepo) InsertTaskAudit(ctx context.Context, a *TaskAudit) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO task_audit (id, job_id, action, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.Action, a.BeforeJSON, a.AfterJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task audit: %w", err)
	}
	return nil
}

// ListRecentTaskAudit returns the newest task audit rows.
func (r *AuditRepo) ListRecentTaskAudit(ctx context.Context, limit int) ([]*TaskAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, job_id, action, before_json, after_json, created_at
		FROM task_audit ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task audit: %w", err)
	}
	defer rows.Close()

	var out []*TaskAudit
	for rows.Next() {
		var a TaskAudit
		if err := rows.Scan(&a.ID, &a.JobID, &a.Action, &a.BeforeJSON, &a.AfterJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task audit: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListTaskAuditByTaskID returns a job's audit trail, newest first.
func (r *AuditRepo) ListTaskAuditByTaskID(ctx context.Context, jobID string, limit int) ([]*TaskAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, job_id, action, before_json, after_json, created_at
		FROM task_audit WHERE job_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task audit for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*TaskAudit
	for rows.Next() {
		var a TaskAudit
		if err := rows.Scan(&a.ID, &a.JobID, &a.Action, &a.BeforeJSON, &a.AfterJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task audit: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// InsertCommandAudit appends a control-plane call record.
func (r *AuditRepo) InsertCommandAudit(ctx context.Context, a *CommandAudit) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO command_audit (id, command, lane, status, metadata_json, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Command, a.Lane, a.Status, a.MetadataJSON, a.ErrorMessage, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command audit: %w", err)
	}
	return nil
}

// ListRecentCommandAudit returns the newest command audit rows.
func (r *AuditRepo) ListRecentCommandAudit(ctx context.Context, limit int) ([]*CommandAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, command, lane, status, metadata_json, error_message, created_at
		FROM command_audit ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list command audit: %w", err)
	}
	defer rows.Close()

	var out []*CommandAudit
	for rows.Next() {
		var a CommandAudit
		if err := rows.Scan(&a.ID, &a.Command, &a.Lane, &a.Status, &a.MetadataJSON, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan command audit: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
