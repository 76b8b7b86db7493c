package async

import (
	"context"
	"time"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
)

// CleanupFinishedJobsFunc is the func name of the job-retention task.
const CleanupFinishedJobsFunc = "pulse.cleanup_finished_jobs"

// DefaultRetention is how long finished jobs are kept when no retention is configured.
const DefaultRetention = 7 * 24 * time.Hour

// CleanupResult is what the cleanup task returns.
type CleanupResult struct {
	Deleted        int     `json:"deleted"`
	Pruned         int     `json:"pruned"`
	RetentionHours float64 `json:"retention_hours"`
}

// Pruner deletes other history older than olderThan and returns the count,
// e.g. schedule run records.
type Pruner func(ctx context.Context, olderThan time.Duration) (int, error)

// NewCleanupTask returns a task that deletes finished jobs older than
// retention, then runs each pruner with the same retention. A
// "retention_hours" kwarg overrides the retention per run.
func NewCleanupTask(store *Store, retention time.Duration, pruners ...Pruner) TaskFunc {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return func(ctx context.Context, job *Job) (interface{}, error) {
		keep := retention
		if hours, ok := job.Kwargs["retention_hours"]; ok {
			h, ok := hours.(float64)
			if !ok || h <= 0 {
				return nil, errors.NewInvalidRequestError("retention_hours must be a positive number, got %v", hours)
			}
			keep = time.Duration(h * float64(time.Hour))
		}

		deleted, err := store.CleanupOldJobs(ctx, keep)
		if err != nil {
			return nil, errors.Wrap(err, "failed to clean up finished jobs")
		}

		pruned := 0
		for _, prune := range pruners {
			n, err := prune(ctx, keep)
			if err != nil {
				return nil, errors.Wrap(err, "failed to prune history")
			}
			pruned += n
		}

		logger.LoggerFromContext(ctx).Infow("Cleaned up finished jobs",
			logger.FieldCount, deleted,
			"pruned", pruned,
			"retention", keep)
		return CleanupResult{Deleted: deleted, Pruned: pruned, RetentionHours: keep.Hours()}, nil
	}
}

// RegisterCleanupTask registers the retention task on REGULAR priority.
// Only superusers may trigger it through the API.
func RegisterCleanupTask(registry *Registry, store *Store, retention time.Duration, pruners ...Pruner) *RegisteredJob {
	return registry.RegisterFunc(CleanupFinishedJobsFunc, NewCleanupTask(store, retention, pruners...), Options{
		Priority:    PriorityRegular,
		Permissions: []PermissionFactory{NewIsSuperuser},
		Group:       "pulse",
		Validator: ValidatorFunc(func(args []interface{}, kwargs map[string]interface{}) error {
			if len(args) > 0 {
				return errors.NewInvalidRequestError("%s takes no positional arguments", CleanupFinishedJobsFunc)
			}
			return nil
		}),
	})
}
