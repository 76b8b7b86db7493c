package async

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tasknet/errors"
)

// fakeQueue records submitted jobs.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []*Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// scheduleCall is one recorded Scheduler call.
type scheduleCall struct {
	method   string
	job      *Job
	delta    time.Duration
	at       time.Time
	interval time.Duration
	repeat   int
}

// recordingScheduler is a Scheduler that records calls and schedules nothing.
type recordingScheduler struct {
	calls []scheduleCall
}

func (s *recordingScheduler) EnqueueIn(_ context.Context, job *Job, delta, interval time.Duration, repeat int) (ScheduleHandle, error) {
	s.calls = append(s.calls, scheduleCall{method: "in", job: job, delta: delta, interval: interval, repeat: repeat})
	return ScheduleHandle{ID: "sched-in", NextRunAt: time.Now().Add(delta)}, nil
}

func (s *recordingScheduler) EnqueueAt(_ context.Context, job *Job, at time.Time, interval time.Duration, repeat int) (ScheduleHandle, error) {
	s.calls = append(s.calls, scheduleCall{method: "at", job: job, at: at, interval: interval, repeat: repeat})
	return ScheduleHandle{ID: "sched-at", NextRunAt: at}, nil
}

func (s *recordingScheduler) Cancel(context.Context, string) error { return nil }

// parseInt converts its first argument the way int() does: strings with an
// optional base kwarg, or numbers.
func parseInt(args []interface{}, kwargs map[string]interface{}) (int, error) {
	if len(args) != 1 {
		return 0, errors.Newf("expected exactly one argument, got %d", len(args))
	}
	base := 10
	if b, ok := kwargs["base"]; ok {
		switch v := b.(type) {
		case int:
			base = v
		case float64:
			base = int(v)
		default:
			return 0, errors.Newf("base must be an integer, got %T", b)
		}
	}
	switch v := args[0].(type) {
	case string:
		n, err := strconv.ParseInt(v, base, 64)
		return int(n), err
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, errors.Newf("cannot convert %T to int", v)
	}
}

var intValidator = ValidatorFunc(func(args []interface{}, kwargs map[string]interface{}) error {
	_, err := parseInt(args, kwargs)
	return err
})

func intTask(_ context.Context, job *Job) (interface{}, error) {
	return parseInt(job.Args, job.Kwargs)
}

// countingPermission counts how often its factory ran.
type countingPermission struct{ n int }

func (countingPermission) HasPermission(Actor, *RegisteredJob) bool { return true }

func newTestRuntime() (*Runtime, *fakeQueue, *fakeQueue, *recordingScheduler) {
	regular, high := &fakeQueue{}, &fakeQueue{}
	scheduler := &recordingScheduler{}
	rt := &Runtime{
		Router:    NewRouter(map[string]Enqueuer{PriorityRegular: regular, PriorityHigh: high}),
		Scheduler: scheduler,
	}
	return rt, regular, high, scheduler
}

func newTestRegisteredJob(rt *Runtime) *RegisteredJob {
	return NewRegisteredJob("tasks.int", intTask, Options{
		Validator:     intValidator,
		Priority:      "high",
		Permissions:   []PermissionFactory{NewAllowAny},
		JobID:         "test",
		Group:         "human",
		Cancellable:   true,
		TrackProgress: true,
		Runtime:       rt,
	})
}

func TestNewRegisteredJob(t *testing.T) {
	rj := newTestRegisteredJob(nil)

	assert.Equal(t, "tasks.int", rj.Name())
	assert.NotNil(t, rj.Func())
	assert.NotNil(t, rj.Validator())
	assert.Equal(t, "HIGH", rj.Priority())
	assert.Equal(t, []Permission{AllowAny{}}, rj.Permissions())
	assert.Equal(t, "test", rj.JobID())
	assert.Equal(t, "human", rj.Group())
	assert.True(t, rj.Cancellable())
	assert.True(t, rj.TrackProgress())
	assert.Equal(t, 0, rj.ExtraMetadata().Len())
}

func TestPriorityNormalization(t *testing.T) {
	for in, want := range map[string]string{
		"high":     "HIGH",
		"HiGh":     "HIGH",
		" regular": "REGULAR",
		"":         "REGULAR",
	} {
		rj := NewRegisteredJob("tasks.noop", intTask, Options{Priority: in})
		assert.Equal(t, want, rj.Priority(), "priority %q", in)
	}
}

func TestPermissionFactoriesRunOnce(t *testing.T) {
	calls := 0
	factory := func() Permission {
		calls++
		return countingPermission{n: calls}
	}

	rj := NewRegisteredJob("tasks.noop", intTask, Options{
		Permissions: []PermissionFactory{factory, NewIsSuperuser},
	})

	assert.Equal(t, 1, calls)
	require.Len(t, rj.Permissions(), 2)
	assert.Equal(t, countingPermission{n: 1}, rj.Permissions()[0])
	assert.Equal(t, IsSuperuser{}, rj.Permissions()[1])

	_ = rj.Permissions()
	assert.Equal(t, 1, calls)
}

func TestCheckPermissions(t *testing.T) {
	user := Actor{ID: "u", Authenticated: true}
	admin := Actor{ID: "a", Authenticated: true, Superuser: true}

	open := NewRegisteredJob("t.open", intTask, Options{Permissions: []PermissionFactory{NewAllowAny}})
	assert.True(t, open.CheckPermissions(Anonymous))

	authed := NewRegisteredJob("t.authed", intTask, Options{Permissions: []PermissionFactory{NewIsAuthenticated}})
	assert.False(t, authed.CheckPermissions(Anonymous))
	assert.True(t, authed.CheckPermissions(user))

	both := NewRegisteredJob("t.both", intTask, Options{Permissions: []PermissionFactory{NewIsAuthenticated, NewIsSuperuser}})
	assert.False(t, both.CheckPermissions(user))
	assert.True(t, both.CheckPermissions(admin))

	none := NewRegisteredJob("t.none", intTask, Options{})
	assert.False(t, none.CheckPermissions(user))
	assert.True(t, none.CheckPermissions(admin))
}

func TestReadyJob(t *testing.T) {
	t.Run("builds the job and clears metadata", func(t *testing.T) {
		rj := newTestRegisteredJob(nil)
		rj.ExtraMetadata().Set("meta", "test")

		job, err := rj.ReadyJob([]interface{}{"10"}, map[string]interface{}{"base": 10})
		require.NoError(t, err)

		assert.Equal(t, "tasks.int", job.Func)
		assert.Equal(t, []interface{}{"10"}, job.Args)
		assert.Equal(t, map[string]interface{}{"base": 10}, job.Kwargs)
		assert.Equal(t, "test", job.ID)
		assert.Equal(t, "human", job.Group)
		assert.Equal(t, "HIGH", job.Queue)
		assert.True(t, job.Cancellable)
		assert.True(t, job.TrackProgress)
		assert.Equal(t, map[string]interface{}{"meta": "test"}, job.ExtraMetadata)

		assert.Equal(t, 0, rj.ExtraMetadata().Len())
	})

	t.Run("metadata is carried by exactly one job", func(t *testing.T) {
		rj := newTestRegisteredJob(nil)
		rj.ExtraMetadata().Set("meta", "once")

		first, err := rj.ReadyJob([]interface{}{"1"}, nil)
		require.NoError(t, err)
		second, err := rj.ReadyJob([]interface{}{"2"}, nil)
		require.NoError(t, err)

		assert.Equal(t, "once", first.ExtraMetadata["meta"])
		assert.Empty(t, second.ExtraMetadata)
	})

	t.Run("validation error is returned unchanged", func(t *testing.T) {
		sentinel := errors.New("not a number")
		rj := NewRegisteredJob("tasks.int", intTask, Options{
			Validator: ValidatorFunc(func([]interface{}, map[string]interface{}) error { return sentinel }),
		})
		rj.ExtraMetadata().Set("meta", "kept")

		job, err := rj.ReadyJob([]interface{}{"x"}, nil)
		assert.Nil(t, job)
		assert.Same(t, sentinel, err)
		assert.Equal(t, 1, rj.ExtraMetadata().Len())
	})

	t.Run("validator does not transform arguments", func(t *testing.T) {
		rj := newTestRegisteredJob(nil)
		job, err := rj.ReadyJob([]interface{}{"ff"}, map[string]interface{}{"base": 16})
		require.NoError(t, err)
		assert.Equal(t, "ff", job.Args[0])
	})

	t.Run("fresh id without a registered job id", func(t *testing.T) {
		rj := NewRegisteredJob("tasks.int", intTask, Options{})
		a, err := rj.ReadyJob(nil, nil)
		require.NoError(t, err)
		b, err := rj.ReadyJob(nil, nil)
		require.NoError(t, err)
		assert.Len(t, a.ID, 32)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestEnqueueIn(t *testing.T) {
	rt, _, _, scheduler := newTestRuntime()
	rj := newTestRegisteredJob(rt)

	handle, err := rj.EnqueueIn(context.Background(), 5*time.Second, 10*time.Second, 10,
		[]interface{}{"10"}, map[string]interface{}{"base": 10})
	require.NoError(t, err)
	assert.Equal(t, "sched-in", handle.ID)

	require.Len(t, scheduler.calls, 1)
	call := scheduler.calls[0]
	assert.Equal(t, "in", call.method)
	assert.Equal(t, 5*time.Second, call.delta)
	assert.Equal(t, 10*time.Second, call.interval)
	assert.Equal(t, 10, call.repeat)
	assert.Equal(t, []interface{}{"10"}, call.job.Args)
	assert.Equal(t, map[string]interface{}{"base": 10}, call.job.Kwargs)
}

func TestEnqueueAt(t *testing.T) {
	rt, _, _, scheduler := newTestRuntime()
	rj := newTestRegisteredJob(rt)
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	handle, err := rj.EnqueueAt(context.Background(), at, 10*time.Second, RepeatForever,
		[]interface{}{"10"}, map[string]interface{}{"base": 10})
	require.NoError(t, err)
	assert.Equal(t, at, handle.NextRunAt)

	require.Len(t, scheduler.calls, 1)
	call := scheduler.calls[0]
	assert.Equal(t, "at", call.method)
	assert.Equal(t, at, call.at)
	assert.Equal(t, 10*time.Second, call.interval)
	assert.Equal(t, RepeatForever, call.repeat)
	assert.Equal(t, "test", call.job.ID)
}

func TestEnqueueInValidationFailureSchedulesNothing(t *testing.T) {
	rt, _, _, scheduler := newTestRuntime()
	rj := newTestRegisteredJob(rt)

	_, err := rj.EnqueueIn(context.Background(), time.Second, 0, 0, []interface{}{"ten"}, nil)
	require.Error(t, err)
	assert.Empty(t, scheduler.calls)
}

func TestEnqueue(t *testing.T) {
	t.Run("routes by priority", func(t *testing.T) {
		rt, regular, high, _ := newTestRuntime()
		rj := newTestRegisteredJob(rt)

		job, err := rj.EnqueueWithKwargs(context.Background(), []interface{}{"10"}, map[string]interface{}{"base": 10})
		require.NoError(t, err)

		require.Len(t, high.jobs, 1)
		assert.Same(t, job, high.jobs[0])
		assert.Empty(t, regular.jobs)
	})

	t.Run("unknown priority", func(t *testing.T) {
		rt, regular, high, _ := newTestRuntime()
		rj := NewRegisteredJob("tasks.int", intTask, Options{Priority: "low", Runtime: rt})
		rj.ExtraMetadata().Set("meta", "kept")

		job, err := rj.Enqueue(context.Background(), "10")
		assert.Nil(t, job)
		assert.True(t, errors.Is(err, ErrUnknownPriority))
		assert.True(t, errors.IsInvalidRequestError(err))
		assert.Empty(t, regular.jobs)
		assert.Empty(t, high.jobs)
		assert.Equal(t, 1, rj.ExtraMetadata().Len())
	})

	t.Run("queue error propagates", func(t *testing.T) {
		rt, _, high, _ := newTestRuntime()
		high.err = errors.New("database is locked")
		rj := newTestRegisteredJob(rt)

		_, err := rj.Enqueue(context.Background(), "10")
		assert.ErrorContains(t, err, "database is locked")
	})

	t.Run("no runtime", func(t *testing.T) {
		rj := newTestRegisteredJob(nil)
		_, err := rj.Enqueue(context.Background(), "10")
		assert.True(t, errors.Is(err, ErrNoRuntime))

		_, err = rj.EnqueueIn(context.Background(), time.Second, 0, 0, nil, nil)
		assert.True(t, errors.Is(err, ErrNoRuntime))
	})
}

func TestSubmitReadyJob(t *testing.T) {
	calls := 0
	counting := ValidatorFunc(func(args []interface{}, kwargs map[string]interface{}) error {
		calls++
		return intValidator(args, kwargs)
	})

	rt, regular, high, _ := newTestRuntime()
	rj := NewRegisteredJob("tasks.int", intTask, Options{Validator: counting, Priority: "high", Runtime: rt})

	job, err := rj.ReadyJob([]interface{}{"10"}, nil)
	require.NoError(t, err)
	require.NoError(t, rj.Submit(context.Background(), job))

	assert.Equal(t, 1, calls, "submit does not validate again")
	require.Len(t, high.jobs, 1)
	assert.Same(t, job, high.jobs[0])
	assert.Empty(t, regular.jobs)

	unbound := NewRegisteredJob("tasks.int", intTask, Options{})
	assert.True(t, errors.Is(unbound.Submit(context.Background(), job), ErrNoRuntime))
}

func TestEnqueueEndToEnd(t *testing.T) {
	rt, regular, high, _ := newTestRuntime()
	registry := NewRegistry(rt)
	registry.RegisterFunc("tasks.int", intTask, Options{
		Validator:   intValidator,
		Priority:    "high",
		Permissions: []PermissionFactory{NewAllowAny},
	})

	rj := registry.Get("tasks.int")
	require.NotNil(t, rj)
	assert.True(t, rj.CheckPermissions(Anonymous))

	_, err := rj.Enqueue(context.Background(), "10")
	require.NoError(t, err)

	assert.Empty(t, regular.jobs)
	require.Len(t, high.jobs, 1)
	queued := high.jobs[0]
	assert.Equal(t, "HIGH", queued.Queue)

	result, err := NewRegistryExecutor(registry).Execute(context.Background(), queued)
	require.NoError(t, err)
	assert.Equal(t, 10, result)
}

func TestMetadataConcurrentTake(t *testing.T) {
	rj := NewRegisteredJob("tasks.int", intTask, Options{})

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		rj.ExtraMetadata().Set(fmt.Sprintf("k%d", i), i)
	}

	taken := make(chan map[string]interface{}, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := rj.ReadyJob(nil, nil)
			if err == nil {
				taken <- job.ExtraMetadata
			}
		}()
	}
	wg.Wait()
	close(taken)

	total := 0
	for m := range taken {
		total += len(m)
	}
	assert.Equal(t, writers, total)
	assert.Equal(t, 0, rj.ExtraMetadata().Len())
}

func TestRouter(t *testing.T) {
	regular, high := &fakeQueue{}, &fakeQueue{}
	router := NewRouter(map[string]Enqueuer{"regular": regular, "HIGH": high})

	assert.Equal(t, []string{"HIGH", "REGULAR"}, router.Priorities())

	q, err := router.Route("Regular")
	require.NoError(t, err)
	assert.Same(t, regular, q)

	require.NoError(t, router.Enqueue(context.Background(), "high", NewJob("t", nil, nil)))
	assert.Len(t, high.jobs, 1)

	_, err = router.Route("URGENT")
	assert.True(t, errors.Is(err, ErrUnknownPriority))
}
