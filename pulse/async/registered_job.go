package async

import (
	"context"
	"time"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
)

// TaskFunc is the callable behind a registered job. It receives the job so
// it can read Args/Kwargs and report progress or observe cancellation.
// The returned value must be JSON serializable; it becomes the job result.
type TaskFunc func(ctx context.Context, job *Job) (interface{}, error)

// Validator checks call arguments before a job is created. Validators do not
// transform arguments: the job receives exactly what the caller passed.
type Validator interface {
	Validate(args []interface{}, kwargs map[string]interface{}) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(args []interface{}, kwargs map[string]interface{}) error

// Validate implements Validator
func (f ValidatorFunc) Validate(args []interface{}, kwargs map[string]interface{}) error {
	return f(args, kwargs)
}

// ErrNoRuntime is returned when a registered job is asked to submit work
// before it was bound to a Runtime.
var ErrNoRuntime = errors.New("registered job has no runtime")

// Options configures a RegisteredJob.
type Options struct {
	Validator     Validator
	Priority      string
	Permissions   []PermissionFactory
	JobID         string
	Group         string
	Cancellable   bool
	TrackProgress bool
	ExtraMetadata map[string]interface{}
	Runtime       *Runtime
}

// RegisteredJob describes a task that can be turned into jobs. It is shared
// by every request goroutine; only its metadata container is mutable.
type RegisteredJob struct {
	name          string
	fn            TaskFunc
	validator     Validator
	priority      string
	permissions   []Permission
	jobID         string
	group         string
	cancellable   bool
	trackProgress bool
	metadata      *Metadata
	runtime       *Runtime
}

// NewRegisteredJob describes fn under name. Permission factories are called
// here, once each.
func NewRegisteredJob(name string, fn TaskFunc, opts Options) *RegisteredJob {
	permissions := make([]Permission, 0, len(opts.Permissions))
	for _, factory := range opts.Permissions {
		permissions = append(permissions, factory())
	}

	return &RegisteredJob{
		name:          name,
		fn:            fn,
		validator:     opts.Validator,
		priority:      NormalizePriority(opts.Priority),
		permissions:   permissions,
		jobID:         opts.JobID,
		group:         opts.Group,
		cancellable:   opts.Cancellable,
		trackProgress: opts.TrackProgress,
		metadata:      NewMetadata(opts.ExtraMetadata),
		runtime:       opts.Runtime,
	}
}

// Name returns the func identifier stored on every job
func (rj *RegisteredJob) Name() string { return rj.name }

// Func returns the callable
func (rj *RegisteredJob) Func() TaskFunc { return rj.fn }

// Validator returns the argument validator, or nil
func (rj *RegisteredJob) Validator() Validator { return rj.validator }

// Priority returns the normalized priority token
func (rj *RegisteredJob) Priority() string { return rj.priority }

// Permissions returns the permission checks built at registration
func (rj *RegisteredJob) Permissions() []Permission { return rj.permissions }

// JobID returns the fixed job id, or "" when each job gets a fresh one
func (rj *RegisteredJob) JobID() string { return rj.jobID }

// Group returns the job group
func (rj *RegisteredJob) Group() string { return rj.group }

// Cancellable reports whether jobs start out cancellable
func (rj *RegisteredJob) Cancellable() bool { return rj.cancellable }

// TrackProgress reports whether jobs record progress
func (rj *RegisteredJob) TrackProgress() bool { return rj.trackProgress }

// ExtraMetadata returns the metadata container consumed by the next job
func (rj *RegisteredJob) ExtraMetadata() *Metadata { return rj.metadata }

// Runtime returns the bound runtime, or nil
func (rj *RegisteredJob) Runtime() *Runtime { return rj.runtime }

// bind sets the runtime when none was given in Options.
func (rj *RegisteredJob) bind(rt *Runtime) {
	if rj.runtime == nil {
		rj.runtime = rt
	}
}

// Validate runs the validator, if any.
func (rj *RegisteredJob) Validate(args []interface{}, kwargs map[string]interface{}) error {
	if rj.validator == nil {
		return nil
	}
	return rj.validator.Validate(args, kwargs)
}

// CheckPermissions reports whether actor may run this task. Every permission
// must grant. A task registered without permissions is superuser-only.
func (rj *RegisteredJob) CheckPermissions(actor Actor) bool {
	if len(rj.permissions) == 0 {
		return actor.Superuser
	}
	for _, p := range rj.permissions {
		if !p.HasPermission(actor, rj) {
			return false
		}
	}
	return true
}

// ReadyJob validates the arguments and builds the job that would run them.
// A validation error is returned as is and leaves the metadata untouched.
// On success the metadata container is emptied into the job.
func (rj *RegisteredJob) ReadyJob(args []interface{}, kwargs map[string]interface{}) (*Job, error) {
	if err := rj.Validate(args, kwargs); err != nil {
		return nil, err
	}

	job := NewJob(rj.name, args, kwargs)
	if rj.jobID != "" {
		job.ID = rj.jobID
	}
	job.Group = rj.group
	job.Queue = rj.priority
	job.Cancellable = rj.cancellable
	job.TrackProgress = rj.trackProgress
	job.ExtraMetadata = rj.metadata.Take()

	return job, nil
}

// Enqueue runs the task as soon as a worker is free.
func (rj *RegisteredJob) Enqueue(ctx context.Context, args ...interface{}) (*Job, error) {
	return rj.EnqueueWithKwargs(ctx, args, nil)
}

// EnqueueWithKwargs is Enqueue with keyword arguments.
func (rj *RegisteredJob) EnqueueWithKwargs(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (*Job, error) {
	if rj.runtime == nil || rj.runtime.Router == nil {
		return nil, errors.WithDetail(ErrNoRuntime, "Func: "+rj.name)
	}
	queue, err := rj.runtime.Router.Route(rj.priority)
	if err != nil {
		return nil, errors.WithDetail(err, "Func: "+rj.name)
	}

	job, err := rj.ReadyJob(args, kwargs)
	if err != nil {
		return nil, err
	}
	if err := rj.submit(ctx, queue, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Submit enqueues a job already built by ReadyJob without validating its
// arguments again.
func (rj *RegisteredJob) Submit(ctx context.Context, job *Job) error {
	if rj.runtime == nil || rj.runtime.Router == nil {
		return errors.WithDetail(ErrNoRuntime, "Func: "+rj.name)
	}
	queue, err := rj.runtime.Router.Route(rj.priority)
	if err != nil {
		return errors.WithDetail(err, "Func: "+rj.name)
	}
	return rj.submit(ctx, queue, job)
}

func (rj *RegisteredJob) submit(ctx context.Context, queue Enqueuer, job *Job) error {
	if err := queue.Enqueue(ctx, job); err != nil {
		return err
	}
	logger.PulseInfow("Job enqueued",
		logger.FieldJobID, job.ID,
		logger.FieldFunc, rj.name,
		logger.FieldPriority, rj.priority)
	return nil
}

// EnqueueIn runs the task after delta, then every interval for repeat more runs.
func (rj *RegisteredJob) EnqueueIn(ctx context.Context, delta, interval time.Duration, repeat int, args []interface{}, kwargs map[string]interface{}) (ScheduleHandle, error) {
	scheduler, err := rj.scheduler()
	if err != nil {
		return ScheduleHandle{}, err
	}
	job, err := rj.ReadyJob(args, kwargs)
	if err != nil {
		return ScheduleHandle{}, err
	}
	return scheduler.EnqueueIn(ctx, job, delta, interval, repeat)
}

// EnqueueAt runs the task at an absolute time, then every interval for repeat more runs.
func (rj *RegisteredJob) EnqueueAt(ctx context.Context, at time.Time, interval time.Duration, repeat int, args []interface{}, kwargs map[string]interface{}) (ScheduleHandle, error) {
	scheduler, err := rj.scheduler()
	if err != nil {
		return ScheduleHandle{}, err
	}
	job, err := rj.ReadyJob(args, kwargs)
	if err != nil {
		return ScheduleHandle{}, err
	}
	return scheduler.EnqueueAt(ctx, job, at, interval, repeat)
}

func (rj *RegisteredJob) scheduler() (Scheduler, error) {
	if rj.runtime == nil || rj.runtime.Scheduler == nil {
		return nil, errors.WithDetail(ErrNoRuntime, "Func: "+rj.name)
	}
	return rj.runtime.Scheduler, nil
}
