package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/tasknet/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is a named view over the job store. Every state change it makes is
// pushed to subscribers, which is how the websocket stream sees jobs move.
type Queue struct {
	name        string
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a named job queue over db
func NewQueue(name string, db *sql.DB) *Queue {
	return NewQueueWithStore(name, NewStore(db))
}

// NewQueueWithStore creates a named queue sharing an existing store
func NewQueueWithStore(name string, store *Store) *Queue {
	return &Queue{
		name:        name,
		store:       store,
		subscribers: make([]chan *Job, 0),
	}
}

// Name returns the queue name, which doubles as its priority token
func (q *Queue) Name() string {
	return q.name
}

// Store returns the backing store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue persists a job on this queue and attaches it to the queue.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Queue = q.name
	if job.Status == "" || job.Status == JobStatusScheduled {
		job.Status = JobStatusQueued
	}
	job.UpdatedAt = time.Now().UTC()

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Func: %s", job.Func))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", q.name))
		return err
	}
	job.Attach(q)

	q.notifySubscribers(job)
	return nil
}

// Dequeue claims the oldest queued job and marks it as running.
// Returns nil when nothing is waiting.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.DequeueNext(ctx, q.name)
	if err != nil {
		err = errors.Wrap(err, "failed to dequeue job")
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", q.name))
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	job.Attach(q)

	q.notifySubscribers(job)
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Attach(q)
	return job, nil
}

// UpdateJob writes a job's state
func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.updateLocked(ctx, job)
}

func (q *Queue) updateLocked(ctx context.Context, job *Job) error {
	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Func: %s", job.Func))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a job as completed with its result
func (q *Queue) CompleteJob(ctx context.Context, job *Job, result interface{}) error {
	var encoded json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return q.FailJob(ctx, job, errors.Wrap(err, "result is not JSON serializable"))
		}
		encoded = data
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job.Complete(encoded)
	return q.updateLocked(ctx, job)
}

// FailJob marks a job as failed and records the error as its exception
func (q *Queue) FailJob(ctx context.Context, job *Job, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Fail(jobErr)
	if err := q.updateLocked(ctx, job); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job error: %s", jobErr.Error()))
	}
	return nil
}

// MarkCanceled records that a running job stopped in response to a cancel request
func (q *Queue) MarkCanceled(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Cancel()
	return q.updateLocked(ctx, job)
}

// CancelJob requests cancellation. Queued jobs are canceled immediately;
// running jobs move to CANCELING until their func notices.
func (q *Queue) CancelJob(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.RequestCancel(ctx, id)
	if err != nil {
		err = errors.Wrapf(err, "failed to cancel job %s", id)
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", q.name))
		return nil, err
	}

	q.notifySubscribers(job)
	return job, nil
}

// ListJobs returns this queue's jobs matching the filter
func (q *Queue) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	filter.Queue = q.name
	return q.store.ListJobs(ctx, filter)
}

// Clear deletes this queue's finished jobs
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.ClearFinished(ctx, q.name)
}

// SaveJobAsCancellable implements JobStorage and notifies subscribers
func (q *Queue) SaveJobAsCancellable(ctx context.Context, jobID string, cancellable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.SaveJobAsCancellable(ctx, jobID, cancellable); err != nil {
		return err
	}
	q.notifyByID(ctx, jobID)
	return nil
}

// UpdateJobProgress implements JobStorage and notifies subscribers
func (q *Queue) UpdateJobProgress(ctx context.Context, jobID string, progress, total int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateJobProgress(ctx, jobID, progress, total); err != nil {
		return err
	}
	q.notifyByID(ctx, jobID)
	return nil
}

// SaveJobMeta implements JobStorage and notifies subscribers
func (q *Queue) SaveJobMeta(ctx context.Context, jobID string, meta map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.SaveJobMeta(ctx, jobID, meta); err != nil {
		return err
	}
	q.notifyByID(ctx, jobID)
	return nil
}

// IsCancelRequested implements JobStorage
func (q *Queue) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.IsCancelRequested(ctx, jobID)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is not closed; the caller owns it.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a detached snapshot of the job to every subscriber.
// REQUIRES: q.mu held. Slow subscribers miss updates rather than block.
func (q *Queue) notifySubscribers(job *Job) {
	if len(q.subscribers) == 0 {
		return
	}
	snapshot := job.Clone()
	for _, ch := range q.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// notifyByID reloads a job and notifies subscribers. REQUIRES: q.mu held.
func (q *Queue) notifyByID(ctx context.Context, jobID string) {
	if len(q.subscribers) == 0 {
		return
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	q.notifySubscribers(job)
}

// Cleanup removes this store's finished jobs older than the given age
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldJobs(ctx, olderThan)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queue     string `json:"queue"`
	Queued    int    `json:"queued"`
	Scheduled int    `json:"scheduled"`
	Running   int    `json:"running"`
	Canceling int    `json:"canceling"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Canceled  int    `json:"canceled"`
	Total     int    `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus(ctx, q.name)
	if err != nil {
		err = errors.Wrap(err, "failed to collect queue stats")
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", q.name))
		return nil, err
	}

	stats := &QueueStats{
		Queue:     q.name,
		Queued:    counts[JobStatusQueued],
		Scheduled: counts[JobStatusScheduled],
		Running:   counts[JobStatusRunning],
		Canceling: counts[JobStatusCanceling],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Canceled:  counts[JobStatusCanceled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
