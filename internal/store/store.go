// Package store provides the SQLite-backed repositories for jobs, runs,
// outbound messages, the user profile, session bindings and audit logs.
// All timestamps are epoch milliseconds. The store assumes a single process
// owns the database file; SQLite's single-writer semantics serialize the
// scheduler kernel, the outbound drainer and the control-plane server.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside an explicit transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the database handle and exposes the typed repositories.
type Store struct {
	db *sql.DB

	Jobs     *JobsRepo
	Outbound *OutboundRepo
	Profile  *ProfileRepo
	Bindings *BindingsRepo
	Audit    *AuditRepo
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// One writer at a time keeps lock-token semantics simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	s.Jobs = &JobsRepo{q: db}
	s.Outbound = &OutboundRepo{q: db}
	s.Profile = &ProfileRepo{q: db}
	s.Bindings = &BindingsRepo{q: db}
	s.Audit = &AuditRepo{q: db}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx bundles repositories bound to one transaction.
type Tx struct {
	Jobs     *JobsRepo
	Outbound *OutboundRepo
	Profile  *ProfileRepo
	Bindings *BindingsRepo
	Audit    *AuditRepo
}

// InTx runs fn inside a transaction; multi-row mutations (task create +
// audit, cancel + session close) go through here.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	tx := &Tx{
		Jobs:     &JobsRepo{q: dbTx},
		Outbound: &OutboundRepo{q: dbTx},
		Profile:  &ProfileRepo{q: dbTx},
		Bindings: &BindingsRepo{q: dbTx},
		Audit:    &AuditRepo{q: dbTx},
	}

	if err := fn(tx); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return dbTx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	schedule_kind   TEXT NOT NULL CHECK (schedule_kind IN ('oneshot', 'recurring')),
	cadence_minutes INTEGER,
	run_at          INTEGER,
	profile_id      TEXT,
	model_ref       TEXT,
	payload         TEXT,
	status          TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle', 'running', 'paused')),
	last_run_at     INTEGER,
	next_run_at     INTEGER,
	terminal_state  TEXT CHECK (terminal_state IN ('completed', 'cancelled', 'failed')),
	terminal_reason TEXT,
	lock_token      TEXT,
	lock_expires_at INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (next_run_at) WHERE terminal_state IS NULL;

CREATE TABLE IF NOT EXISTS job_runs (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs (id),
	scheduled_for INTEGER NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	status        TEXT NOT NULL CHECK (status IN ('success', 'failed', 'skipped')),
	error_code    TEXT,
	error_message TEXT,
	result_json   TEXT,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs (job_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_runs_started ON job_runs (started_at DESC);

CREATE TABLE IF NOT EXISTS job_run_sessions (
	run_id              TEXT PRIMARY KEY REFERENCES job_runs (id),
	job_id              TEXT NOT NULL REFERENCES jobs (id),
	session_id          TEXT NOT NULL,
	created_at          INTEGER NOT NULL,
	closed_at           INTEGER,
	close_error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_sessions_job ON job_run_sessions (job_id);

CREATE TABLE IF NOT EXISTS outbound_messages (
	id              TEXT PRIMARY KEY,
	chat_id         INTEGER NOT NULL,
	kind            TEXT NOT NULL CHECK (kind IN ('text', 'document', 'photo')),
	content         TEXT NOT NULL,
	media_path      TEXT,
	media_mime_type TEXT,
	media_filename  TEXT,
	priority        TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('low', 'normal', 'high', 'critical')),
	dedupe_key      TEXT UNIQUE,
	status          TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'sent', 'failed')),
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	sent_at         INTEGER,
	failed_at       INTEGER,
	error_message   TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbound_due ON outbound_messages (next_attempt_at) WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS user_profile (
	id                        INTEGER PRIMARY KEY CHECK (id = 1),
	timezone                  TEXT,
	quiet_hours_start         TEXT,
	quiet_hours_end           TEXT,
	quiet_mode                TEXT,
	mute_until                INTEGER,
	heartbeat_morning         TEXT,
	heartbeat_midday          TEXT,
	heartbeat_evening         TEXT,
	heartbeat_cadence_minutes INTEGER,
	heartbeat_only_if_signal  INTEGER NOT NULL DEFAULT 0,
	onboarding_completed_at   INTEGER,
	last_digest_at            INTEGER,
	updated_at                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_bindings (
	binding_key TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	chat_id     INTEGER,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bindings_session ON session_bindings (session_id);

CREATE TABLE IF NOT EXISTS task_audit (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	action      TEXT NOT NULL,
	before_json TEXT,
	after_json  TEXT,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_audit_job ON task_audit (job_id, created_at DESC);

CREATE TABLE IF NOT EXISTS command_audit (
	id            TEXT PRIMARY KEY,
	command       TEXT NOT NULL,
	lane          TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('success', 'failed', 'denied')),
	metadata_json TEXT,
	error_message TEXT,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_command_audit_time ON command_audit (created_at DESC);
`
