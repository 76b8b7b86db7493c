package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/pulse/async"
)

// DefaultExecutionLimit caps ListExecutions when no limit is given
const DefaultExecutionLimit = 100

// ExecutionStore handles persistence of schedule firing history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// CreateExecution records a firing. An empty ID gets a fresh one.
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = async.NewJobID()
	}
	query := `
		INSERT INTO scheduled_job_runs (
			id, schedule_id, job_id, status, error_message, fired_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.ScheduleID,
		nullString(exec.JobID),
		exec.Status,
		nullString(exec.ErrorMessage),
		exec.FiredAt.UTC(),
		exec.DurationMS,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution for schedule %s", exec.ScheduleID)
	}
	return nil
}

// ListExecutions returns a schedule's firings, newest first
func (s *ExecutionStore) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	query := `
		SELECT id, schedule_id, job_id, status, error_message, fired_at, duration_ms
		FROM scheduled_job_runs
		WHERE schedule_id = ?
		ORDER BY fired_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, scheduleID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions for schedule %s", scheduleID)
	}
	defer rows.Close()

	execs := []*Execution{}
	for rows.Next() {
		var exec Execution
		var jobID, errorMessage sql.NullString
		if err := rows.Scan(
			&exec.ID,
			&exec.ScheduleID,
			&jobID,
			&exec.Status,
			&errorMessage,
			&exec.FiredAt,
			&exec.DurationMS,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		exec.JobID = jobID.String
		exec.ErrorMessage = errorMessage.String
		exec.FiredAt = exec.FiredAt.UTC()
		execs = append(execs, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return execs, nil
}

// CleanupOldExecutions deletes firings older than the retention period and
// returns how many were removed
func (s *ExecutionStore) CleanupOldExecutions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_job_runs WHERE fired_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}
