// Package async provides the pulse task system: registered jobs, priority
// queues backed by sqlite, and the worker pool that executes them.
package async

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tasknet/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceling JobStatus = "CANCELING"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusScheduled, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCanceling, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// Progress represents job progress information
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Percentage calculates progress as a percentage (0-100)
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// Job is one materialized invocation of a registered task.
//
// Func names the registered callable; the worker resolves it through the
// Registry at execution time, so a Job survives a restart as plain data.
// The attached storage is process-local and never serialized.
type Job struct {
	ID              string                 `json:"id"`
	Func            string                 `json:"func"`
	Args            []interface{}          `json:"args"`
	Kwargs          map[string]interface{} `json:"kwargs"`
	Group           string                 `json:"group,omitempty"`
	Queue           string                 `json:"queue"`
	Status          JobStatus              `json:"status"`
	Cancellable     bool                   `json:"cancellable"`
	TrackProgress   bool                   `json:"track_progress"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	Progress        Progress               `json:"progress"`
	ExtraMetadata   map[string]interface{} `json:"extra_metadata"`
	Result          json.RawMessage        `json:"result,omitempty"`
	Exception       string                 `json:"exception,omitempty"`
	ScheduleID      string                 `json:"schedule_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`

	storage JobStorage
}

// NewJobID returns a fresh job id: a random UUID rendered as 32 hex characters.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewJob creates a queued job for the named func with a fresh id.
// Nil args and kwargs are normalized to empty collections.
func NewJob(funcName string, args []interface{}, kwargs map[string]interface{}) *Job {
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	now := time.Now().UTC()
	return &Job{
		ID:            NewJobID(),
		Func:          funcName,
		Args:          args,
		Kwargs:        kwargs,
		Status:        JobStatusQueued,
		ExtraMetadata: map[string]interface{}{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Attach binds the job to a storage backend. Passing nil detaches it.
func (j *Job) Attach(storage JobStorage) {
	j.storage = storage
}

// Storage returns the attached backend, or nil when detached.
func (j *Job) Storage() JobStorage {
	return j.storage
}

// SaveAsCancellable durably records whether the job may be cancelled.
// A detached job always fails with ErrDetached. Setting the current value
// again is a no-op. The in-memory flag only changes after the storage write
// succeeds.
func (j *Job) SaveAsCancellable(ctx context.Context, cancellable bool) error {
	if j.storage == nil {
		return errors.WithDetail(ErrDetached, "Job ID: "+j.ID)
	}
	if j.Cancellable == cancellable {
		return nil
	}
	if err := j.storage.SaveJobAsCancellable(ctx, j.ID, cancellable); err != nil {
		return errors.Wrapf(err, "failed to save job %s as cancellable=%t", j.ID, cancellable)
	}
	j.Cancellable = cancellable
	return nil
}

// UpdateProgress records progress for a job registered with progress tracking.
// Jobs without tracking ignore the call.
func (j *Job) UpdateProgress(ctx context.Context, progress, total int) error {
	if !j.TrackProgress {
		return nil
	}
	if j.storage == nil {
		return errors.WithDetail(ErrDetached, "Job ID: "+j.ID)
	}
	if err := j.storage.UpdateJobProgress(ctx, j.ID, progress, total); err != nil {
		return errors.Wrapf(err, "failed to update progress for job %s", j.ID)
	}
	j.Progress = Progress{Current: progress, Total: total}
	return nil
}

// SaveMeta stores one extra metadata key on the job.
func (j *Job) SaveMeta(ctx context.Context, key string, value interface{}) error {
	if j.storage == nil {
		return errors.WithDetail(ErrDetached, "Job ID: "+j.ID)
	}
	meta := make(map[string]interface{}, len(j.ExtraMetadata)+1)
	for k, v := range j.ExtraMetadata {
		meta[k] = v
	}
	meta[key] = value
	if err := j.storage.SaveJobMeta(ctx, j.ID, meta); err != nil {
		return errors.Wrapf(err, "failed to save metadata for job %s", j.ID)
	}
	j.ExtraMetadata = meta
	return nil
}

// CheckForCancel returns ErrJobCancelled when a cancel was requested for
// this job. Long-running task funcs call it between units of work.
func (j *Job) CheckForCancel(ctx context.Context) error {
	if !j.Cancellable {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.storage == nil {
		return errors.WithDetail(ErrDetached, "Job ID: "+j.ID)
	}
	requested, err := j.storage.IsCancelRequested(ctx, j.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to check cancel flag for job %s", j.ID)
	}
	if requested {
		j.CancelRequested = true
		return errors.WithDetail(ErrJobCancelled, "Job ID: "+j.ID)
	}
	return nil
}

// Clone returns a detached copy with fresh collections. The id is kept.
func (j *Job) Clone() *Job {
	c := *j
	c.storage = nil
	c.Args = append([]interface{}{}, j.Args...)
	c.Kwargs = copyMap(j.Kwargs)
	c.ExtraMetadata = copyMap(j.ExtraMetadata)
	if j.Result != nil {
		c.Result = append(json.RawMessage{}, j.Result...)
	}
	return &c
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed with its JSON-encoded result
func (j *Job) Complete(result json.RawMessage) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.Exception = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Cancel marks the job as canceled
func (j *Job) Cancel() {
	now := time.Now().UTC()
	j.Status = JobStatusCanceled
	j.CompletedAt = &now
	j.UpdatedAt = now
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
