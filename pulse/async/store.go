package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/tasknet/db"
	"github.com/teranos/tasknet/errors"
)

// Store handles persistence of pulse jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Queue  string
	Func   string
	Status JobStatus
	Limit  int
}

// DefaultListLimit caps ListJobs when the filter sets no limit.
const DefaultListLimit = 1000

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	cols, err := encodeJobColumns(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pulse_jobs (
			id, func, queue, job_group,
			args, kwargs, status,
			cancellable, track_progress, cancel_requested,
			progress, total_progress,
			extra_metadata, result, exception, schedule_id,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Func,
		job.Queue,
		nullString(job.Group),
		cols.args,
		cols.kwargs,
		job.Status,
		job.Cancellable,
		job.TrackProgress,
		job.CancelRequested,
		job.Progress.Current,
		job.Progress.Total,
		cols.metadata,
		cols.result,
		nullString(job.Exception),
		nullString(job.ScheduleID),
		job.CreatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
	)
	if db.IsUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "job %s already exists", job.ID), errors.ErrConflict)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pulse_jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(s.db.QueryRowContext(ctx, query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &job, nil
}

// UpdateJob writes every mutable column of an existing job
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	cols, err := encodeJobColumns(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE pulse_jobs
		SET queue = ?,
		    args = ?,
		    kwargs = ?,
		    status = ?,
		    cancellable = ?,
		    cancel_requested = ?,
		    progress = ?,
		    total_progress = ?,
		    extra_metadata = ?,
		    result = ?,
		    exception = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		job.Queue,
		cols.args,
		cols.kwargs,
		job.Status,
		job.Cancellable,
		job.CancelRequested,
		job.Progress.Current,
		job.Progress.Total,
		cols.metadata,
		cols.result,
		nullString(job.Exception),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	return requireRow(result, job.ID)
}

// ListJobs returns jobs matching the filter, newest first
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if filter.Func != "" {
		where = append(where, "func = ?")
		args = append(args, filter.Func)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pulse_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// scanJobs drains rows into jobs. Callers must not issue other queries
// until it returns, because test databases run on a single connection.
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// DequeueNext claims the oldest queued job of a queue and marks it running.
// Returns nil when the queue is empty or another worker won the claim.
func (s *Store) DequeueNext(ctx context.Context, queue string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM pulse_jobs
		WHERE queue = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`

	var job Job
	err := ScanJobFromRow(s.db.QueryRowContext(ctx, query, queue, JobStatusQueued), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select queued job")
	}

	job.Start()
	result, err := s.db.ExecContext(ctx,
		`UPDATE pulse_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		job.Status, nullTime(job.StartedAt), job.UpdatedAt, job.ID, JobStatusQueued,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if claimed == 0 {
		return nil, nil
	}

	return &job, nil
}

// RequestCancel cancels a queued job immediately, or flags a running job so
// its func observes the request through Job.CheckForCancel.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Cancellable {
		return nil, errors.WithDetail(ErrNotCancellable, "Job ID: "+id)
	}

	switch job.Status {
	case JobStatusQueued, JobStatusScheduled:
		job.Cancel()
	case JobStatusRunning:
		job.Status = JobStatusCanceling
		job.CancelRequested = true
		job.UpdatedAt = time.Now().UTC()
	default:
		return job, nil
	}

	if err := s.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob removes a job from the database
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pulse_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	return requireRow(result, id)
}

// ClearFinished deletes completed, failed and canceled jobs, optionally for one queue
func (s *Store) ClearFinished(ctx context.Context, queue string) (int, error) {
	query := `DELETE FROM pulse_jobs WHERE status IN (?, ?, ?)`
	args := []interface{}{JobStatusCompleted, JobStatusFailed, JobStatusCanceled}
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear finished jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// CleanupOldJobs removes finished jobs last updated before now-olderThan
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `
		DELETE FROM pulse_jobs
		WHERE status IN (?, ?, ?)
		  AND updated_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, JobStatusCompleted, JobStatusFailed, JobStatusCanceled, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// CountByStatus returns job counts per status, optionally for one queue
func (s *Store) CountByStatus(ctx context.Context, queue string) (map[JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM pulse_jobs`
	var args []interface{}
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// SaveJobAsCancellable implements JobStorage
func (s *Store) SaveJobAsCancellable(ctx context.Context, jobID string, cancellable bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pulse_jobs SET cancellable = ?, updated_at = ? WHERE id = ?`,
		cancellable, time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save cancellable flag")
	}
	return requireRow(result, jobID)
}

// UpdateJobProgress implements JobStorage
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress, total int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pulse_jobs SET progress = ?, total_progress = ?, updated_at = ? WHERE id = ?`,
		progress, total, time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job progress")
	}
	return requireRow(result, jobID)
}

// SaveJobMeta implements JobStorage
func (s *Store) SaveJobMeta(ctx context.Context, jobID string, meta map[string]interface{}) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to marshal extra metadata")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE pulse_jobs SET extra_metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save job metadata")
	}
	return requireRow(result, jobID)
}

// IsCancelRequested implements JobStorage
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM pulse_jobs WHERE id = ?`, jobID).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read cancel flag")
	}
	return requested, nil
}

type jobColumns struct {
	args     string
	kwargs   string
	metadata string
	result   sql.NullString
}

func encodeJobColumns(job *Job) (jobColumns, error) {
	var cols jobColumns

	args := job.Args
	if args == nil {
		args = []interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return cols, errors.Wrapf(err, "failed to marshal args for job %s", job.ID)
	}
	cols.args = string(data)

	if data, err = json.Marshal(nonNilMap(job.Kwargs)); err != nil {
		return cols, errors.Wrapf(err, "failed to marshal kwargs for job %s", job.ID)
	}
	cols.kwargs = string(data)

	if data, err = json.Marshal(nonNilMap(job.ExtraMetadata)); err != nil {
		return cols, errors.Wrapf(err, "failed to marshal extra metadata for job %s", job.ID)
	}
	cols.metadata = string(data)

	if len(job.Result) > 0 {
		cols.result = sql.NullString{String: string(job.Result), Valid: true}
	}
	return cols, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	return nil
}
