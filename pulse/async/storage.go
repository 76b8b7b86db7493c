package async

import "context"

// JobStorage is the durable backend a Job writes through.
// Store implements it directly; Queue implements it and also notifies
// subscribers of every change.
type JobStorage interface {
	SaveJobAsCancellable(ctx context.Context, jobID string, cancellable bool) error
	UpdateJobProgress(ctx context.Context, jobID string, progress, total int) error
	SaveJobMeta(ctx context.Context, jobID string, meta map[string]interface{}) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
}
