package commands

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/discovery"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/async"
	"github.com/teranos/tasknet/pulse/schedule"
)

// cleanupCron is when finished jobs past retention are removed
const cleanupCron = "@hourly"

// stack is the task system pulse start and server both run: queues over one
// store, a registry bound to a router and scheduler, the worker pool, the
// schedule ticker and the discovery service with its built-in tasks.
type stack struct {
	store     *async.Store
	queues    []*async.Queue
	registry  *async.Registry
	pool      *async.WorkerPool
	scheduler *schedule.Scheduler
	ticker    *schedule.Ticker // nil when pulse.ticker_interval_seconds is 0
	discovery *discovery.Service
	cleanup   *async.RegisteredJob
	refresh   *async.RegisteredJob
}

// buildStack wires every component over database. Nothing is started.
func buildStack(ctx context.Context, database *sql.DB, cfg *am.Config, log *zap.SugaredLogger) *stack {
	if log == nil {
		log = logger.Logger
	}

	store := async.NewStore(database)
	queues := []*async.Queue{
		async.NewQueueWithStore(async.PriorityHigh, store),
		async.NewQueueWithStore(async.PriorityRegular, store),
	}
	router := async.NewQueueRouter(queues...)

	scheduler := schedule.NewScheduler(schedule.NewStore(database), log)
	registry := async.NewRegistry(&async.Runtime{Router: router, Scheduler: scheduler})

	limits := make(map[string]async.RateLimit)
	for name, q := range cfg.Pulse.QueueLimits() {
		limits[name] = async.RateLimit{PerSecond: q.RequestsPerSecond, Burst: q.Burst}
	}
	pool := async.NewWorkerPool(ctx, registry, queues, async.WorkerPoolConfig{
		Workers:      cfg.Pulse.Workers,
		PollInterval: cfg.Pulse.PollInterval(),
		RateLimits:   limits,
	}, log)

	var ticker *schedule.Ticker
	if interval := cfg.Pulse.TickerInterval(); interval > 0 {
		ticker = schedule.NewTickerWithContext(ctx, scheduler.Store(), router, store, pool,
			schedule.TickerConfig{Interval: interval}, log)
	}

	svc := discovery.NewService(discovery.NewStore(database),
		discovery.NewHTTPProber(cfg.Discovery.ProbeTimeout()), log)

	return &stack{
		store:     store,
		queues:    queues,
		registry:  registry,
		pool:      pool,
		scheduler: scheduler,
		ticker:    ticker,
		discovery: svc,
		cleanup:   async.RegisterCleanupTask(registry, store, cfg.Pulse.Retention(),
			schedule.NewExecutionStore(database).CleanupOldExecutions),
		refresh:   discovery.RegisterRefreshTask(registry, svc),
	}
}

// scheduleSystemTasks makes sure the built-in tasks have an active schedule:
// cleanup hourly, refresh every discovery.refresh_interval_seconds.
// Existing schedules are kept, so restarts do not pile up entries.
func (s *stack) scheduleSystemTasks(ctx context.Context, cfg *am.Config) error {
	active, err := s.scheduler.List(ctx, false)
	if err != nil {
		return err
	}
	scheduled := make(map[string]bool, len(active))
	for _, entry := range active {
		scheduled[entry.Func] = true
	}

	if !scheduled[s.cleanup.Name()] {
		job, err := s.cleanup.ReadyJob(nil, nil)
		if err != nil {
			return err
		}
		if _, err := s.scheduler.EnqueueCron(ctx, job, cleanupCron); err != nil {
			return err
		}
	}

	if interval := cfg.Discovery.RefreshInterval(); interval > 0 && !scheduled[s.refresh.Name()] {
		if _, err := s.refresh.EnqueueIn(ctx, interval, interval, async.RepeatForever, nil, nil); err != nil {
			return err
		}
	}
	return nil
}
