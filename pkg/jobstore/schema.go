package jobstore

import (
	"context"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the job schema in-place.
//
// The schema supports:
// - the job lifecycle with conditional status transitions
// - FIFO admission queries per quota class
// - handle-keyed lookup for result dispatch
// - a per-job audit event trail
func (s *Store) Migrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			quota_class TEXT NOT NULL,
			model_id TEXT NOT NULL,
			continuation TEXT NOT NULL,
			context_json TEXT NOT NULL,
			request_payload BLOB NOT NULL,
			status TEXT NOT NULL,
			finished INTEGER NOT NULL DEFAULT 0,
			external_handle TEXT,
			outcome TEXT,
			submit_time TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_admission
			ON jobs(quota_class, status, submit_time);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_handle
			ON jobs(external_handle) WHERE external_handle IS NOT NULL;`,

		`CREATE TABLE IF NOT EXISTS job_events (
			event_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_occurred_at ON job_events(occurred_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
