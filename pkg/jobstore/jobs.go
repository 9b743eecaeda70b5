package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lyrobin/gembatch/pkg/job"
)

// Sentinel errors for job store operations.
var (
	// ErrInvalidJob indicates a job failed validation at create time.
	ErrInvalidJob = errors.New("invalid job")

	// ErrNotFound indicates no job matches the given key.
	ErrNotFound = errors.New("job not found")

	// ErrConflict indicates a conditional update lost a race: the job's
	// current status did not match the expected one. Benign under
	// concurrent scheduler invocations.
	ErrConflict = errors.New("job status conflict")

	// ErrAlreadyFinished indicates a divergent re-finish of a terminal job.
	ErrAlreadyFinished = errors.New("job already finished")
)

// Create persists a NEW job and returns its assigned ID.
func (s *Store) Create(ctx context.Context, j *job.Job) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if j == nil {
		return "", fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}
	if err := j.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	id := j.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.New().String()
	}
	submitTime := j.SubmitTime
	if submitTime.IsZero() {
		submitTime = time.Now().UTC()
	}
	ctxJSON, err := json.Marshal(j.Context)
	if err != nil {
		return "", fmt.Errorf("%w: marshal context: %v", ErrInvalidJob, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, quota_class, model_id, continuation, context_json,
		  request_payload, status, finished, submit_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, string(j.QuotaClass), j.ModelID, j.Continuation, string(ctxJSON),
		j.RequestPayload, string(job.StatusNew), submitTime.UTC())
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	j.ID = id
	j.Status = job.StatusNew
	j.SubmitTime = submitTime
	return id, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.getWhere(ctx, "job_id = ?", id)
}

// GetByHandle retrieves a job by its external handle.
func (s *Store) GetByHandle(ctx context.Context, handle string) (*job.Job, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, fmt.Errorf("%w: empty handle", ErrNotFound)
	}
	return s.getWhere(ctx, "external_handle = ?", handle)
}

func (s *Store) getWhere(ctx context.Context, where string, arg any) (*job.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, quota_class, model_id, continuation, context_json,
		        request_payload, status, finished, external_handle, outcome,
		        submit_time, started_at, finished_at
		 FROM jobs WHERE `+where, arg)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListPending returns NEW jobs in a quota class ordered by submit time
// ascending. Oldest first keeps admission FIFO-fair and prevents starvation
// of early work.
func (s *Store) ListPending(ctx context.Context, class job.QuotaClass, limit int) ([]job.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, quota_class, model_id, continuation, context_json,
		        request_payload, status, finished, external_handle, outcome,
		        submit_time, started_at, finished_at
		 FROM jobs
		 WHERE quota_class = ? AND status = ?
		 ORDER BY submit_time ASC, rowid ASC
		 LIMIT ?`,
		string(class), string(job.StatusNew), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

// ListRunning returns RUNNING, not-yet-finished jobs in a quota class.
//
// withHandle filters on handle presence: true selects jobs awaiting results,
// false selects jobs whose submission still has to reach the external
// service (the re-execution sweep).
func (s *Store) ListRunning(ctx context.Context, class job.QuotaClass, withHandle bool, limit int) ([]job.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = -1
	}

	handleCond := "external_handle IS NOT NULL"
	if !withHandle {
		handleCond = "external_handle IS NULL"
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, quota_class, model_id, continuation, context_json,
		        request_payload, status, finished, external_handle, outcome,
		        submit_time, started_at, finished_at
		 FROM jobs
		 WHERE quota_class = ? AND status = ? AND finished = 0 AND `+handleCond+`
		 ORDER BY submit_time ASC, rowid ASC
		 LIMIT ?`,
		string(class), string(job.StatusRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

// List returns the most recent jobs across all quota classes, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]job.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, quota_class, model_id, continuation, context_json,
		        request_payload, status, finished, external_handle, outcome,
		        submit_time, started_at, finished_at
		 FROM jobs
		 ORDER BY submit_time DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

// CountRunning returns the number of RUNNING, not-yet-finished jobs in a
// quota class. This is the admission control input.
func (s *Store) CountRunning(ctx context.Context, class job.QuotaClass) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE quota_class = ? AND status = ? AND finished = 0`,
		string(class), string(job.StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// Transition conditionally moves a job from one status to another.
//
// The guard is the whole point: under at-least-once triggering, two
// scheduler invocations may both pick the same pending job, and exactly one
// Transition(new, running) wins. The loser gets ErrConflict and skips.
func (s *Store) Transition(ctx context.Context, id string, from, to job.Status) error {
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error
	if to == job.StatusRunning {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ?
			 WHERE job_id = ? AND status = ?`,
			string(to), now, id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?
			 WHERE job_id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a lost race from a bad ID.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not %s", ErrConflict, id, from)
}

// SetHandle records the external handle once execution has started.
//
// The handle can be set at most once and only while the job is RUNNING; a
// NEW job never carries a handle.
func (s *Store) SetHandle(ctx context.Context, id, handle string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(handle) == "" {
		return errors.New("external handle is empty")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET external_handle = ?
		 WHERE job_id = ? AND status = ? AND external_handle IS NULL`,
		handle, id, string(job.StatusRunning))
	if err != nil {
		return fmt.Errorf("set external handle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set external handle: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not running or already has a handle", ErrConflict, id)
}

// MarkFinished records a job's terminal outcome and sets the finished flag
// that guards against re-dispatch.
//
// Idempotent: repeating the same outcome is a no-op. A different outcome
// after the job is finished fails with ErrAlreadyFinished.
func (s *Store) MarkFinished(ctx context.Context, id string, status job.Status, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !status.Terminal() {
		return fmt.Errorf("mark finished: %q is not a terminal status", status)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, outcome = ?, finished = 1, finished_at = ?
		 WHERE job_id = ? AND finished = 0`,
		string(status), reason, now, id)
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark finished: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Finished && cur.Status == status && cur.Outcome == reason {
		return nil
	}
	return fmt.Errorf("%w: %s is %s (%s)", ErrAlreadyFinished, id, cur.Status, cur.Outcome)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var quotaClass, status, contextJSON string
	var finished int
	var handle, outcome sql.NullString
	var submitTimeRaw, startedAtRaw, finishedAtRaw any

	err := row.Scan(
		&j.ID, &quotaClass, &j.ModelID, &j.Continuation, &contextJSON,
		&j.RequestPayload, &status, &finished, &handle, &outcome,
		&submitTimeRaw, &startedAtRaw, &finishedAtRaw)
	if err != nil {
		return nil, err
	}

	j.SubmitTime, err = parseDBTimeValue(submitTimeRaw)
	if err != nil {
		return nil, fmt.Errorf("parse submit_time: %w", err)
	}
	startedAt, err := parseOptionalDBTime(startedAtRaw)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	finishedAt, err := parseOptionalDBTime(finishedAtRaw)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	j.QuotaClass = job.QuotaClass(quotaClass)
	j.Status = job.Status(status)
	j.Finished = finished != 0
	if handle.Valid {
		j.ExternalHandle = handle.String
	}
	if outcome.Valid {
		j.Outcome = outcome.String
	}
	j.StartedAt = startedAt
	j.FinishedAt = finishedAt

	if contextJSON != "" && contextJSON != "null" {
		if err := json.Unmarshal([]byte(contextJSON), &j.Context); err != nil {
			return nil, fmt.Errorf("parse context: %w", err)
		}
	}

	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]job.Job, error) {
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
