package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/pulse/async"
)

// ErrEntryNotFound is returned when a schedule id has no stored entry.
var ErrEntryNotFound = errors.Mark(errors.New("scheduled job not found"), errors.ErrNotFound)

// ErrEntryNotActive is returned when an entry left the active state, e.g.
// was cancelled, while a run was being dispatched.
var ErrEntryNotActive = errors.Mark(errors.New("scheduled job is no longer active"), errors.ErrConflict)

// DueBatchSize caps how many due entries one tick dispatches.
const DueBatchSize = 100

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database
func (s *Store) DB() *sql.DB {
	return s.db
}

const entryColumns = `
	id, func, queue, job, cron_expr,
	interval_ms, repeat, run_count,
	next_run_at, last_run_at, last_job_id,
	state, created_at, updated_at
`

// CreateEntry inserts a new scheduled job
func (s *Store) CreateEntry(ctx context.Context, entry *Entry) error {
	snapshot, err := json.Marshal(entry.Job)
	if err != nil {
		return errors.Wrapf(err, "failed to encode job template for schedule %s", entry.ID)
	}

	query := `INSERT INTO scheduled_jobs (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Func,
		entry.Queue,
		string(snapshot),
		nullString(entry.CronExpr),
		entry.Interval.Milliseconds(),
		entry.Repeat,
		entry.RunCount,
		entry.NextRunAt.UTC(),
		nullTime(entry.LastRunAt),
		nullString(entry.LastJobID),
		entry.State,
		entry.CreatedAt.UTC(),
		entry.UpdatedAt.UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create scheduled job")
		return errors.WithDetail(err, fmt.Sprintf("Func: %s", entry.Func))
	}
	return nil
}

// GetEntry retrieves a scheduled job by ID
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrEntryNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get scheduled job %s", id)
	}
	return entry, nil
}

// ListDue returns active entries whose next run is at or before now,
// oldest first, at most DueBatchSize of them.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM scheduled_jobs
		WHERE state = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC, rowid ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, StateActive, now.UTC(), DueBatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due scheduled jobs")
	}
	return scanEntries(rows)
}

// List returns scheduled jobs, newest first. Finished entries are included
// only when all is set.
func (s *Store) List(ctx context.Context, all bool) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM scheduled_jobs`
	var args []interface{}
	if !all {
		query += ` WHERE state = ?`
		args = append(args, StateActive)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1000`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	return scanEntries(rows)
}

// NextActive returns the active entry that runs soonest, or nil
func (s *Store) NextActive(ctx context.Context) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM scheduled_jobs
		WHERE state = ?
		ORDER BY next_run_at ASC
		LIMIT 1
	`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, StateActive))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return entry, nil
}

// UpdateAfterRun records a firing: run bookkeeping, the next run and the state.
// Only an active entry is updated; one that left the active state meanwhile
// yields ErrEntryNotActive.
func (s *Store) UpdateAfterRun(ctx context.Context, entry *Entry) error {
	query := `
		UPDATE scheduled_jobs
		SET repeat = ?,
		    run_count = ?,
		    next_run_at = ?,
		    last_run_at = ?,
		    last_job_id = ?,
		    state = ?,
		    updated_at = ?
		WHERE id = ? AND state = ?
	`
	entry.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		entry.Repeat,
		entry.RunCount,
		entry.NextRunAt.UTC(),
		nullTime(entry.LastRunAt),
		nullString(entry.LastJobID),
		entry.State,
		entry.UpdatedAt,
		entry.ID,
		StateActive,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update scheduled job %s", entry.ID)
	}
	return s.requireActiveRow(ctx, result, entry.ID)
}

// SetStateIfActive finishes an entry only while it is still active
func (s *Store) SetStateIfActive(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		state, time.Now().UTC(), id, StateActive)
	if err != nil {
		return errors.Wrapf(err, "failed to set state of scheduled job %s", id)
	}
	return s.requireActiveRow(ctx, result, id)
}

// requireActiveRow tells a missing entry apart from one that changed state
// under a conditional update
func (s *Store) requireActiveRow(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		return nil
	}
	current, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrEntryNotActive, "%s is %s", id, current.State)
}

// SetState changes an entry's state
func (s *Store) SetState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set state of scheduled job %s", id)
	}
	return requireRow(result, id)
}

// DeleteFinished removes entries that will never fire again
func (s *Store) DeleteFinished(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE state != ?`, StateActive)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete finished scheduled jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry      Entry
		snapshot   string
		cronExpr   sql.NullString
		intervalMS int64
		lastRunAt  sql.NullTime
		lastJobID  sql.NullString
	)
	err := row.Scan(
		&entry.ID,
		&entry.Func,
		&entry.Queue,
		&snapshot,
		&cronExpr,
		&intervalMS,
		&entry.Repeat,
		&entry.RunCount,
		&entry.NextRunAt,
		&lastRunAt,
		&lastJobID,
		&entry.State,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var job async.Job
	if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
		return nil, errors.Wrapf(err, "failed to decode job template for schedule %s", entry.ID)
	}
	entry.Job = &job
	entry.CronExpr = cronExpr.String
	entry.Interval = time.Duration(intervalMS) * time.Millisecond
	entry.LastJobID = lastJobID.String
	if lastRunAt.Valid {
		t := lastRunAt.Time.UTC()
		entry.LastRunAt = &t
	}
	entry.NextRunAt = entry.NextRunAt.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate scheduled jobs")
	}
	return entries, nil
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
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrEntryNotFound, "%s", id)
	}
	return nil
}
