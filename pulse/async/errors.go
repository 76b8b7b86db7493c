package async

import (
	"github.com/teranos/tasknet/errors"
)

var (
	// ErrDetached is returned when a job operation needs durable storage but
	// the job was never attached to a backend. It is a lifecycle error and
	// never wraps an I/O failure.
	ErrDetached = errors.New("job not attached to a storage backend")

	// ErrUnknownPriority is returned when no queue is mapped to a priority.
	ErrUnknownPriority = errors.Mark(errors.New("unknown priority"), errors.ErrInvalidRequest)

	// ErrJobNotFound is returned when a job id has no stored row.
	ErrJobNotFound = errors.Mark(errors.New("job not found"), errors.ErrNotFound)

	// ErrNotCancellable is returned when cancelling a job registered without cancellation.
	ErrNotCancellable = errors.Mark(errors.New("job is not cancellable"), errors.ErrInvalidRequest)

	// ErrJobCancelled is returned from Job.CheckForCancel once a cancel was requested.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrUnknownFunc is returned when a job names a func with no registration.
	ErrUnknownFunc = errors.Mark(errors.New("no task registered for func"), errors.ErrNotFound)
)
