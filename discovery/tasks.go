package discovery

import (
	"context"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/pulse/async"
)

// RefreshFunc is the func name of the location refresh task.
const RefreshFunc = "discovery.refresh_network_locations"

// RegisterRefreshTask registers the refresh task on REGULAR priority. It is
// cancellable and reports progress per location.
func RegisterRefreshTask(registry *async.Registry, svc *Service) *async.RegisteredJob {
	return registry.RegisterFunc(RefreshFunc, func(ctx context.Context, job *async.Job) (interface{}, error) {
		return svc.Refresh(ctx, func(done, total int) error {
			if err := job.UpdateProgress(ctx, done, total); err != nil {
				return errors.Wrap(err, "failed to record refresh progress")
			}
			return job.CheckForCancel(ctx)
		})
	}, async.Options{
		Priority:      async.PriorityRegular,
		Permissions:   []async.PermissionFactory{async.NewIsSuperuser},
		Group:         "discovery",
		Cancellable:   true,
		TrackProgress: true,
		Validator: async.ValidatorFunc(func(args []interface{}, kwargs map[string]interface{}) error {
			if len(args) > 0 || len(kwargs) > 0 {
				return errors.NewInvalidRequestError("%s takes no arguments", RefreshFunc)
			}
			return nil
		}),
	})
}
