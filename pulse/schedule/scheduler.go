package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/async"
)

// ErrInvalidSchedule is returned for timing arguments that can never run.
var ErrInvalidSchedule = errors.Mark(errors.New("invalid schedule"), errors.ErrInvalidRequest)

// cronParser accepts five- or six-field expressions and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler is the durable async.Scheduler. It only writes entries; a
// Ticker dispatches them when they come due.
type Scheduler struct {
	store *Store
	now   func() time.Time
	log   *zap.SugaredLogger
}

var _ async.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler over store
func NewScheduler(store *Store, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.Logger
	}
	return &Scheduler{
		store: store,
		now:   time.Now,
		log:   logger.AddPulseSymbol(log.Named("schedule")),
	}
}

// Store returns the backing store
func (s *Scheduler) Store() *Store {
	return s.store
}

// EnqueueIn schedules job to run after delta, then every interval for
// repeat more runs.
func (s *Scheduler) EnqueueIn(ctx context.Context, job *async.Job, delta, interval time.Duration, repeat int) (async.ScheduleHandle, error) {
	if delta < 0 {
		return async.ScheduleHandle{}, errors.Wrapf(ErrInvalidSchedule, "negative delay %s", delta)
	}
	return s.EnqueueAt(ctx, job, s.now().Add(delta), interval, repeat)
}

// EnqueueAt schedules job to run at at, then every interval for repeat more
// runs. A time in the past runs on the next tick.
func (s *Scheduler) EnqueueAt(ctx context.Context, job *async.Job, at time.Time, interval time.Duration, repeat int) (async.ScheduleHandle, error) {
	if err := validateRepeat(interval, repeat); err != nil {
		return async.ScheduleHandle{}, err
	}
	entry, err := s.newEntry(job, at)
	if err != nil {
		return async.ScheduleHandle{}, err
	}
	entry.Interval = interval
	entry.Repeat = repeat
	return s.create(ctx, entry)
}

// EnqueueCron schedules job on a cron expression until cancelled.
func (s *Scheduler) EnqueueCron(ctx context.Context, job *async.Job, expr string) (async.ScheduleHandle, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return async.ScheduleHandle{}, errors.Mark(
			errors.Wrapf(err, "invalid cron expression %q", expr), errors.ErrInvalidRequest)
	}
	entry, err := s.newEntry(job, sched.Next(s.now()))
	if err != nil {
		return async.ScheduleHandle{}, err
	}
	entry.CronExpr = expr
	entry.Repeat = async.RepeatForever
	return s.create(ctx, entry)
}

// Cancel stops a scheduled job from firing again. Cancelling a finished
// entry is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry.Finished() {
		return nil
	}
	if err := s.store.SetState(ctx, id, StateCanceled); err != nil {
		return err
	}
	s.log.Infow("Scheduled job canceled", logger.FieldScheduleID, id, logger.FieldFunc, entry.Func)
	return nil
}

// Get returns one scheduled job
func (s *Scheduler) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.GetEntry(ctx, id)
}

// Runs returns the firing history of a scheduled job, newest first
func (s *Scheduler) Runs(ctx context.Context, id string, limit int) ([]*Execution, error) {
	if _, err := s.store.GetEntry(ctx, id); err != nil {
		return nil, err
	}
	return NewExecutionStore(s.store.DB()).ListExecutions(ctx, id, limit)
}

// List returns active scheduled jobs, or every entry when all is set
func (s *Scheduler) List(ctx context.Context, all bool) ([]*Entry, error) {
	return s.store.List(ctx, all)
}

func (s *Scheduler) newEntry(job *async.Job, at time.Time) (*Entry, error) {
	if job == nil {
		return nil, errors.Wrap(ErrInvalidSchedule, "no job to schedule")
	}
	if job.Func == "" {
		return nil, errors.Wrap(ErrInvalidSchedule, "job missing func")
	}

	now := s.now().UTC()
	entry := &Entry{
		ID:        async.NewJobID(),
		Func:      job.Func,
		Queue:     async.NormalizePriority(job.Queue),
		NextRunAt: at.UTC(),
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	template := job.Clone()
	template.Status = async.JobStatusScheduled
	template.ScheduleID = entry.ID
	entry.Job = template

	job.Status = async.JobStatusScheduled
	job.ScheduleID = entry.ID
	return entry, nil
}

func (s *Scheduler) create(ctx context.Context, entry *Entry) (async.ScheduleHandle, error) {
	if err := s.store.CreateEntry(ctx, entry); err != nil {
		return async.ScheduleHandle{}, err
	}
	s.log.Infow("Job scheduled",
		logger.FieldScheduleID, entry.ID,
		logger.FieldFunc, entry.Func,
		logger.FieldQueue, entry.Queue,
		"next_run_at", entry.NextRunAt,
		"interval", entry.Interval,
		"repeat", entry.Repeat,
		"cron", entry.CronExpr)
	return entry.Handle(), nil
}

func validateRepeat(interval time.Duration, repeat int) error {
	if repeat < async.RepeatForever {
		return errors.Wrapf(ErrInvalidSchedule, "repeat must be %d or more, got %d", async.RepeatForever, repeat)
	}
	if interval < 0 {
		return errors.Wrapf(ErrInvalidSchedule, "negative interval %s", interval)
	}
	if repeat != 0 && interval == 0 {
		return errors.WithDetail(
			errors.Wrap(ErrInvalidSchedule, "repeating schedule needs an interval"),
			fmt.Sprintf("Repeat: %d", repeat))
	}
	return nil
}

// nextRun computes when entry fires after the run due at entry.NextRunAt.
// Interval schedules skip slots missed while the process was down.
func nextRun(entry *Entry, now time.Time) (time.Time, error) {
	if entry.CronExpr != "" {
		sched, err := cronParser.Parse(entry.CronExpr)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", entry.CronExpr)
		}
		return sched.Next(now).UTC(), nil
	}

	next := entry.NextRunAt.Add(entry.Interval)
	if !next.After(now) {
		missed := now.Sub(next)/entry.Interval + 1
		next = next.Add(missed * entry.Interval)
	}
	return next.UTC(), nil
}
