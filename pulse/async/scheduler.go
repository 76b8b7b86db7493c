package async

import (
	"context"
	"time"
)

// RepeatForever makes a schedule run until it is cancelled.
// Other repeat values count additional runs after the first: 0 runs once.
const RepeatForever = -1

// ScheduleHandle identifies a scheduled job. ID is what Cancel accepts.
type ScheduleHandle struct {
	ID        string    `json:"id"`
	NextRunAt time.Time `json:"next_run_at"`
}

// Scheduler runs jobs later. pulse/schedule provides the durable
// implementation; tests substitute a recorder.
//
// A non-zero repeat requires a positive interval.
type Scheduler interface {
	EnqueueIn(ctx context.Context, job *Job, delta, interval time.Duration, repeat int) (ScheduleHandle, error)
	EnqueueAt(ctx context.Context, job *Job, at time.Time, interval time.Duration, repeat int) (ScheduleHandle, error)
	Cancel(ctx context.Context, id string) error
}

// Runtime bundles what a RegisteredJob needs to submit work.
// Build one per process and pass it to NewRegisteredJob or Registry.
type Runtime struct {
	Router    *Router
	Scheduler Scheduler
}
