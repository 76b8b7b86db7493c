// Package schedule runs pulse jobs later: after a delay, at a time, on an
// interval or on a cron expression. Entries are durable; a Ticker turns due
// entries into queued jobs.
package schedule

import (
	"time"

	"github.com/teranos/tasknet/pulse/async"
)

// Entry is one scheduled job template and its timing.
type Entry struct {
	ID        string        `json:"id"`
	Func      string        `json:"func"`
	Queue     string        `json:"queue"`
	Job       *async.Job    `json:"job"`
	CronExpr  string        `json:"cron_expr,omitempty"`
	Interval  time.Duration `json:"interval"`
	Repeat    int           `json:"repeat"` // remaining runs after the next one; async.RepeatForever for no limit
	RunCount  int           `json:"run_count"`
	NextRunAt time.Time     `json:"next_run_at"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	LastJobID string        `json:"last_job_id,omitempty"`
	State     string        `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Entry states
const (
	StateActive    = "active"    // waiting for next_run_at
	StateCompleted = "completed" // ran out of repeats
	StateCanceled  = "canceled"  // cancelled through Scheduler.Cancel
	StateFailed    = "failed"    // cannot be dispatched, e.g. its priority has no queue
)

// Finished reports whether the ticker will never fire the entry again.
func (e *Entry) Finished() bool {
	return e.State != StateActive
}

// Handle returns the caller-facing handle for the entry.
func (e *Entry) Handle() async.ScheduleHandle {
	return async.ScheduleHandle{ID: e.ID, NextRunAt: e.NextRunAt}
}
