package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/async"
	"github.com/teranos/tasknet/sym"
)

// Dispatcher submits jobs by priority. *async.Router implements it.
type Dispatcher interface {
	Enqueue(ctx context.Context, priority string, job *async.Job) error
}

// JobLookup finds stored jobs. *async.Store implements it.
type JobLookup interface {
	GetJob(ctx context.Context, id string) (*async.Job, error)
}

// Ticker dispatches due scheduled jobs on a fixed interval.
type Ticker struct {
	store      *Store
	executions *ExecutionStore
	dispatcher Dispatcher
	jobs       JobLookup
	workerPool *async.WorkerPool // optional, for system metrics in tick logs
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pulseLog   *zap.SugaredLogger
	mu         sync.Mutex

	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for scheduled jobs (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a ticker with a background parent context
func NewTicker(store *Store, dispatcher Dispatcher, jobs JobLookup, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, dispatcher, jobs, workerPool, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context.
// jobs and workerPool may be nil.
func NewTickerWithContext(ctx context.Context, store *Store, dispatcher Dispatcher, jobs JobLookup, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = logger.Logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		store:      store,
		executions: NewExecutionStore(store.DB()),
		dispatcher: dispatcher,
		jobs:       jobs,
		workerPool: workerPool,
		interval:   cfg.Interval,
		ctx:        tickerCtx,
		cancel:     cancel,
		pulseLog:   logger.AddPulseSymbol(log.Named("ticker")),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			ticks := t.ticksSinceStart
			t.mu.Unlock()

			t.logNextJobInfo(tickTime)

			if _, err := t.RunDue(t.ctx, tickTime); err != nil && t.ctx.Err() == nil {
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", ticks)
			}
		}
	}
}

// logNextJobInfo logs time until the next scheduled job when queue activity changes
func (t *Ticker) logNextJobInfo(now time.Time) {
	var activeWork int
	var metrics *async.SystemMetrics
	if t.workerPool != nil {
		m := t.workerPool.GetSystemMetrics(t.ctx)
		metrics = &m
		activeWork = m.JobsQueued + m.JobsRunning
	}

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork || t.ticksSinceStart == 1
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !hasChanged {
		return
	}

	next, err := t.store.NextActive(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}

	indicator := ""
	if activeWork > 0 {
		// One symbol per five jobs, at most 60
		n := min(activeWork/5+1, 60)
		indicator = strings.Repeat(sym.Pulse+" ", n)
	}

	if next == nil {
		if activeWork > 0 {
			t.pulseLog.Infow(fmt.Sprintf("%sPulse - no scheduled executions, %d jobs active", indicator, activeWork))
		} else {
			t.pulseLog.Infow("Pulse - no scheduled executions")
		}
		return
	}

	timeUntil := max(next.NextRunAt.Sub(now), 0)
	msg := fmt.Sprintf("%sPulse - next scheduled execution '%s' in %s", indicator, next.Func, timeUntil.Round(time.Second))
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d jobs active", activeWork)
	}
	if metrics != nil {
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.WorkersActive, metrics.WorkersTotal,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// RunDue dispatches every entry due at now and returns how many were enqueued.
// A failing entry is logged and does not stop the others.
func (t *Ticker) RunDue(ctx context.Context, now time.Time) (int, error) {
	entries, err := t.store.ListDue(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list scheduled jobs")
	}

	dispatched := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return dispatched, ctx.Err()
		default:
		}

		if err := t.fire(ctx, entry, now); err != nil {
			t.pulseLog.Errorw("Failed to execute scheduled job",
				logger.FieldScheduleID, entry.ID,
				logger.FieldFunc, entry.Func,
				logger.FieldError, err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// fire enqueues one run of entry and advances or finishes it
func (t *Ticker) fire(ctx context.Context, entry *Entry, now time.Time) error {
	started := time.Now()

	job, err := t.materialize(ctx, entry, now)
	if err == nil {
		err = t.dispatcher.Enqueue(ctx, entry.Queue, job)
	}
	exec := &Execution{
		ScheduleID: entry.ID,
		Status:     ExecutionStatusEnqueued,
		FiredAt:    now,
		DurationMS: time.Since(started).Milliseconds(),
	}

	if err != nil {
		exec.Status = ExecutionStatusFailed
		exec.ErrorMessage = err.Error()
		t.recordExecution(ctx, exec)

		if errors.Is(err, async.ErrUnknownPriority) {
			// Retrying cannot help until the entry is rescheduled on a routed priority
			if stateErr := t.store.SetStateIfActive(ctx, entry.ID, StateFailed); stateErr != nil && !errors.Is(stateErr, ErrEntryNotActive) {
				t.pulseLog.Warnw("Failed to mark scheduled job failed", logger.FieldScheduleID, entry.ID, logger.FieldError, stateErr)
			}
		}
		return errors.Wrap(err, "failed to enqueue scheduled job")
	}

	exec.JobID = job.ID
	t.recordExecution(ctx, exec)

	entry.RunCount++
	entry.LastRunAt = &now
	entry.LastJobID = job.ID
	switch {
	case entry.Repeat == 0:
		entry.State = StateCompleted
	default:
		if entry.Repeat > 0 {
			entry.Repeat--
		}
		next, err := nextRun(entry, now)
		if err != nil {
			entry.State = StateFailed
			t.pulseLog.Warnw("Cannot compute next run, stopping schedule", logger.FieldScheduleID, entry.ID, logger.FieldError, err)
			break
		}
		entry.NextRunAt = next
	}

	if err := t.store.UpdateAfterRun(ctx, entry); err != nil {
		if errors.Is(err, ErrEntryNotActive) {
			// Cancelled while this run was dispatched; the run stands, the entry stays finished
			t.pulseLog.Infow("Scheduled job finished during dispatch",
				logger.FieldScheduleID, entry.ID,
				logger.FieldJobID, job.ID)
			return nil
		}
		return errors.Wrap(err, "failed to update scheduled job")
	}

	t.pulseLog.Infow("Pulse OK",
		logger.FieldScheduleID, entry.ID,
		logger.FieldJobID, job.ID,
		logger.FieldFunc, entry.Func,
		logger.FieldQueue, entry.Queue,
		"run", entry.RunCount,
		"state", entry.State,
		"next_run_at", entry.NextRunAt)
	return nil
}

// materialize builds the job for this run from the entry's template. The
// first run keeps the template's id unless a job with that id already
// exists; later runs always get a fresh id.
func (t *Ticker) materialize(ctx context.Context, entry *Entry, now time.Time) (*async.Job, error) {
	if entry.Job == nil {
		return nil, errors.Newf("scheduled job %s has no job template", entry.ID)
	}
	job := entry.Job.Clone()
	job.Status = async.JobStatusQueued
	job.ScheduleID = entry.ID
	job.Queue = entry.Queue
	job.CreatedAt = now.UTC()
	job.UpdatedAt = now.UTC()
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Result = nil
	job.Exception = ""
	job.CancelRequested = false
	job.Progress = async.Progress{}

	if job.ID == "" || entry.RunCount > 0 {
		job.ID = async.NewJobID()
		return job, nil
	}
	if t.jobs != nil {
		_, err := t.jobs.GetJob(ctx, job.ID)
		switch {
		case err == nil:
			job.ID = async.NewJobID()
		case !errors.Is(err, async.ErrJobNotFound):
			return nil, errors.Wrapf(err, "failed to check for existing job %s", job.ID)
		}
	}
	return job, nil
}

func (t *Ticker) recordExecution(ctx context.Context, exec *Execution) {
	if err := t.executions.CreateExecution(ctx, exec); err != nil {
		t.pulseLog.Warnw("Failed to record execution", logger.FieldScheduleID, exec.ScheduleID, logger.FieldError, err)
	}
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
