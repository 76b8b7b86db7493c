package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/sym"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are re-queued per
	// queue on startup
	MaxOrphanedJobsToRecover = 1000

	// StopTimeout bounds how long Stop waits for running jobs
	StopTimeout = 30 * time.Second
)

// pulseLogger wraps zap.SugaredLogger with level-coded Pulse helpers:
// DEBUG for opening (✿), WARN for closing (❀), INFO for general pulse.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// RateLimit is a token bucket for one queue. Zero PerSecond means unlimited.
type RateLimit struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int                  `json:"workers"`
	PollInterval time.Duration        `json:"poll_interval"`
	RateLimits   map[string]RateLimit `json:"rate_limits,omitempty"`
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: time.Second,
	}
}

// WorkerPool runs jobs from a set of queues. Queues are polled in the order
// given, so earlier queues have strictly higher priority.
type WorkerPool struct {
	queues        []*Queue
	registry      *Registry
	executor      JobExecutor
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	wake          chan struct{}
	limiters      map[string]*rate.Limiter
	running       map[string]context.CancelFunc
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool over queues, highest priority first.
// Cancelling ctx stops the workers the same way Stop does.
func NewWorkerPool(ctx context.Context, registry *Registry, queues []*Queue, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = logger.Logger
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.Workers < 0 {
		poolCfg.Workers = 0
	}

	workerCtx, cancel := context.WithCancel(ctx)
	wp := &WorkerPool{
		queues:     queues,
		registry:   registry,
		executor:   NewRegistryExecutor(registry),
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		wake:       make(chan struct{}, poolCfg.Workers+1),
		limiters:   make(map[string]*rate.Limiter),
		running:    make(map[string]context.CancelFunc),
		logger:     pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
	}
	for _, q := range queues {
		limit := poolCfg.RateLimits[q.Name()]
		wp.limiters[q.Name()] = newLimiter(limit)
	}
	return wp
}

func newLimiter(limit RateLimit) *rate.Limiter {
	if limit.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
}

// SetRateLimit replaces a queue's token bucket with a full one. Used on
// config reload.
func (wp *WorkerPool) SetRateLimit(queue string, limit RateLimit) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	wp.limiters[queue] = newLimiter(limit)
}

// Start recovers orphaned jobs and launches the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if err := wp.recoverOrphanedJobs(ctx); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for _, q := range wp.queues {
		wp.wg.Add(1)
		go wp.watchQueue(ctx, q)
	}
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	wp.logger.Pulse("Worker pool started", "workers", wp.workers, "queues", wp.queueNames())
}

// watchQueue turns queue notifications for new jobs into worker wake-ups
func (wp *WorkerPool) watchQueue(ctx context.Context, q *Queue) {
	defer wp.wg.Done()

	sub := q.Subscribe()
	defer q.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-sub:
			if job.Status != JobStatusQueued {
				continue
			}
			select {
			case wp.wake <- struct{}{}:
			default:
			}
		}
	}
}

// recoverOrphanedJobs re-queues jobs left RUNNING by an ungraceful shutdown
// and finishes jobs left CANCELING.
func (wp *WorkerPool) recoverOrphanedJobs(ctx context.Context) error {
	for _, q := range wp.queues {
		running, err := q.ListJobs(ctx, JobFilter{Status: JobStatusRunning, Limit: MaxOrphanedJobsToRecover})
		if err != nil {
			return errors.Wrapf(err, "failed to list running jobs on %s", q.Name())
		}
		canceling, err := q.ListJobs(ctx, JobFilter{Status: JobStatusCanceling, Limit: MaxOrphanedJobsToRecover})
		if err != nil {
			return errors.Wrapf(err, "failed to list canceling jobs on %s", q.Name())
		}
		if len(running)+len(canceling) == 0 {
			continue
		}

		wp.logger.Starting("Opening - found orphaned jobs from previous run",
			logger.FieldQueue, q.Name(), logger.FieldCount, len(running)+len(canceling))

		for _, job := range running {
			job.Status = JobStatusQueued
			job.StartedAt = nil
			job.UpdatedAt = time.Now().UTC()
			if err := q.UpdateJob(ctx, job); err != nil {
				wp.logger.Warnw("Failed to recover orphaned job", logger.FieldJobID, job.ID, logger.FieldError, err)
				continue
			}
			wp.logger.Starting("Recovered orphaned job", logger.FieldJobID, job.ID, logger.FieldFunc, job.Func)
		}
		for _, job := range canceling {
			if err := q.MarkCanceled(ctx, job); err != nil {
				wp.logger.Warnw("Failed to finish canceling job", logger.FieldJobID, job.ID, logger.FieldError, err)
			}
		}
	}
	return nil
}

// Stop cancels the workers and waits up to StopTimeout for running jobs.
// Jobs interrupted by shutdown go back to QUEUED.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(StopTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running jobs", "timeout", StopTimeout)
	}
}

// worker polls the queues until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.wake:
		}

		// Drain: keep running jobs while any queue has work
		for {
			processed, err := wp.processNextJob(ctx, id)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error processing job",
					logger.FieldWorkerID, id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						logger.FieldWorkerID, id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !processed {
				break
			}
		}
	}
}

// processNextJob runs at most one job, taken from the highest priority queue
// that has work and an available rate token. Reports whether a job ran.
func (wp *WorkerPool) processNextJob(ctx context.Context, workerID int) (bool, error) {
	select {
	case <-ctx.Done():
		return false, nil
	default:
	}

	for _, q := range wp.queues {
		wp.mu.Lock()
		limiter := wp.limiters[q.Name()]
		wp.mu.Unlock()

		reservation := limiter.Reserve()
		if !reservation.OK() || reservation.Delay() > 0 {
			reservation.Cancel()
			continue
		}

		job, err := q.Dequeue(ctx)
		if err != nil {
			reservation.Cancel()
			return false, errors.Wrapf(err, "failed to dequeue from %s", q.Name())
		}
		if job == nil {
			reservation.Cancel()
			continue
		}

		return true, wp.runJob(ctx, q, job, workerID)
	}
	return false, nil
}

// runJob executes a claimed job and records its outcome
func (wp *WorkerPool) runJob(ctx context.Context, q *Queue, job *Job, workerID int) error {
	log := wp.logger.With(logger.FieldJobID, job.ID, logger.FieldFunc, job.Func, logger.FieldQueue, q.Name())

	jobCtx, jobCancel := context.WithCancel(ctx)
	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.running[job.ID] = jobCancel
	wp.mu.Unlock()
	defer func() {
		jobCancel()
		wp.mu.Lock()
		wp.activeWorkers--
		delete(wp.running, job.ID)
		wp.mu.Unlock()
	}()

	// Outcome writes must land even when shutdown cancels ctx mid-job
	writeCtx := context.WithoutCancel(ctx)

	started := time.Now()
	result, execErr := wp.execute(jobCtx, job)
	elapsed := time.Since(started).Milliseconds()

	if execErr == nil {
		log.Infow("Job completed", logger.FieldWorkerID, workerID, logger.FieldDurationMS, elapsed)
		return q.CompleteJob(writeCtx, job, result)
	}

	if errors.Is(execErr, ErrJobCancelled) || (jobCtx.Err() != nil && ctx.Err() == nil) {
		log.Infow("Job canceled", logger.FieldDurationMS, elapsed)
		return q.MarkCanceled(writeCtx, job)
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the job; put it back for the next start
		log.Warnw(sym.PulseClose+" Job interrupted by shutdown, re-queuing")
		job.Status = JobStatusQueued
		job.StartedAt = nil
		job.UpdatedAt = time.Now().UTC()
		if err := q.UpdateJob(writeCtx, job); err != nil {
			log.Errorw("Failed to re-queue interrupted job", logger.FieldError, err)
		}
		return nil
	}

	log.Warnw("Job failed", logger.FieldError, execErr, logger.FieldDurationMS, elapsed)
	return q.FailJob(writeCtx, job, execErr)
}

// execute runs the job func, converting a panic into an error
func (wp *WorkerPool) execute(ctx context.Context, job *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task %s panicked: %v", job.Func, r)
		}
	}()
	return wp.executor.Execute(ctx, job)
}

// CancelJob requests cancellation of a job on any of the pool's queues and
// interrupts it if it is running in this process.
func (wp *WorkerPool) CancelJob(ctx context.Context, id string) (*Job, error) {
	q, err := wp.queueForJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := q.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}

	wp.mu.Lock()
	interrupt, running := wp.running[id]
	wp.mu.Unlock()
	if running {
		interrupt()
	}
	return job, nil
}

// GetJob finds a job on any of the pool's queues
func (wp *WorkerPool) GetJob(ctx context.Context, id string) (*Job, error) {
	q, err := wp.queueForJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

func (wp *WorkerPool) queueForJob(ctx context.Context, id string) (*Queue, error) {
	if len(wp.queues) == 0 {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	job, err := wp.queues[0].Store().GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	q := wp.Queue(job.Queue)
	if q == nil {
		return nil, errors.Newf("job %s is on unknown queue %s", id, job.Queue)
	}
	return q, nil
}

// Queue returns the named queue, or nil
func (wp *WorkerPool) Queue(name string) *Queue {
	for _, q := range wp.queues {
		if q.Name() == name {
			return q
		}
	}
	return nil
}

// Queues returns the queues in priority order
func (wp *WorkerPool) Queues() []*Queue {
	return wp.queues
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the task registry the pool executes from
func (wp *WorkerPool) Registry() *Registry {
	return wp.registry
}

func (wp *WorkerPool) queueNames() []string {
	names := make([]string, 0, len(wp.queues))
	for _, q := range wp.queues {
		names = append(names, q.Name())
	}
	return names
}

// String describes the pool for logs
func (wp *WorkerPool) String() string {
	return fmt.Sprintf("WorkerPool(workers=%d, queues=%v)", wp.workers, wp.queueNames())
}
