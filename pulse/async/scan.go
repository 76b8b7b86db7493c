package async

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// JobScanArgs holds the nullable and JSON-encoded columns of a pulse_jobs row
// until they are decoded into a Job.
type JobScanArgs struct {
	Group        sql.NullString
	ArgsJSON     string
	KwargsJSON   string
	MetadataJSON string
	Result       sql.NullString
	Exception    sql.NullString
	ScheduleID   sql.NullString
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order.
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Func,
		&job.Queue,
		&args.Group,
		&args.ArgsJSON,
		&args.KwargsJSON,
		&job.Status,
		&job.Cancellable,
		&job.TrackProgress,
		&job.CancelRequested,
		&job.Progress.Current,
		&job.Progress.Total,
		&args.MetadataJSON,
		&args.Result,
		&args.Exception,
		&args.ScheduleID,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs decodes the scanned columns into the job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	if err := unmarshalColumn(args.ArgsJSON, &job.Args); err != nil {
		return fmt.Errorf("failed to unmarshal args for job %s: %w", job.ID, err)
	}
	if err := unmarshalColumn(args.KwargsJSON, &job.Kwargs); err != nil {
		return fmt.Errorf("failed to unmarshal kwargs for job %s: %w", job.ID, err)
	}
	if err := unmarshalColumn(args.MetadataJSON, &job.ExtraMetadata); err != nil {
		return fmt.Errorf("failed to unmarshal extra metadata for job %s: %w", job.ID, err)
	}
	if job.Args == nil {
		job.Args = []interface{}{}
	}
	if job.Kwargs == nil {
		job.Kwargs = map[string]interface{}{}
	}
	if job.ExtraMetadata == nil {
		job.ExtraMetadata = map[string]interface{}{}
	}

	if args.Group.Valid {
		job.Group = args.Group.String
	}
	if args.Result.Valid && args.Result.String != "" {
		job.Result = json.RawMessage(args.Result.String)
	}
	if args.Exception.Valid {
		job.Exception = args.Exception.String
	}
	if args.ScheduleID.Valid {
		job.ScheduleID = args.ScheduleID.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}

	return nil
}

func unmarshalColumn(data string, target interface{}) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), target)
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	return ProcessJobScanArgs(job, args)
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	if err := rows.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	return ProcessJobScanArgs(job, args)
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, func, queue, job_group,
		args, kwargs, status,
		cancellable, track_progress, cancel_requested,
		progress, total_progress,
		extra_metadata, result, exception, schedule_id,
		created_at, started_at, completed_at, updated_at`
}
