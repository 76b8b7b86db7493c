package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/pulse/async"
	"github.com/teranos/tasknet/pulse/schedule"
)

func echoTask(_ context.Context, job *async.Job) (interface{}, error) {
	return job.Args, nil
}

// registerTestTasks adds an echo task any signed-in user may run and an
// admin task left at the superuser-only default.
func registerTestTasks(env *testEnv) (echo, admin *async.RegisteredJob) {
	echo = env.registry.RegisterFunc("tasks.echo", echoTask, async.Options{
		Permissions: []async.PermissionFactory{async.NewIsAuthenticated},
		Cancellable: true,
		Validator: async.ValidatorFunc(func(args []interface{}, _ map[string]interface{}) error {
			if len(args) != 1 {
				return errors.NewInvalidRequestError("tasks.echo takes exactly one argument")
			}
			return nil
		}),
	})
	admin = env.registry.RegisterFunc("tasks.admin", echoTask, async.Options{
		Priority: async.PriorityHigh,
		Group:    "maintenance",
	})
	return echo, admin
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t)
	registerTestTasks(env)

	t.Run("authenticated user enqueues", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/", userToken,
			CreateTaskRequest{Type: "tasks.echo", Args: []interface{}{"hi"}})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var job async.Job
		decode(t, resp, &job)
		assert.Equal(t, "tasks.echo", job.Func)
		assert.Equal(t, async.JobStatusQueued, job.Status)
		assert.Equal(t, async.PriorityRegular, job.Queue)
		assert.True(t, job.Cancellable)

		stored, err := env.pool.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"hi"}, stored.Args)
	})

	t.Run("anonymous is forbidden", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/", "",
			CreateTaskRequest{Type: "tasks.echo", Args: []interface{}{"hi"}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("validation error", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/", userToken,
			CreateTaskRequest{Type: "tasks.echo"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body errorResponse
		decode(t, resp, &body)
		assert.Contains(t, body.Error, "exactly one argument")
	})

	t.Run("validator runs once per request", func(t *testing.T) {
		var calls atomic.Int32
		env.registry.RegisterFunc("tasks.counted", echoTask, async.Options{
			Permissions: []async.PermissionFactory{async.NewIsAuthenticated},
			Validator: async.ValidatorFunc(func([]interface{}, map[string]interface{}) error {
				calls.Add(1)
				return nil
			}),
		})

		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/", userToken,
			CreateTaskRequest{Type: "tasks.counted"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("unknown type", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/", superuserToken,
			CreateTaskRequest{Type: "tasks.missing"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing type", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/", superuserToken, CreateTaskRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("task without permissions is superuser only", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/", userToken,
			CreateTaskRequest{Type: "tasks.admin"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = env.do(t, http.MethodPost, "/api/tasks/tasks/", superuserToken,
			CreateTaskRequest{Type: "tasks.admin"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var job async.Job
		decode(t, resp, &job)
		assert.Equal(t, async.PriorityHigh, job.Queue)
		assert.Equal(t, "maintenance", job.Group)
	})
}

func TestListAndGetTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, admin := registerTestTasks(env)

	first, err := echo.Enqueue(ctx, "a")
	require.NoError(t, err)
	_, err = echo.Enqueue(ctx, "b")
	require.NoError(t, err)
	_, err = admin.Enqueue(ctx)
	require.NoError(t, err)
	_, err = env.pool.CancelJob(ctx, first.ID)
	require.NoError(t, err)

	list := func(t *testing.T, query string) []*async.Job {
		t.Helper()
		resp := env.do(t, http.MethodGet, "/api/tasks/tasks/"+query, superuserToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Jobs  []*async.Job `json:"jobs"`
			Count int          `json:"count"`
		}
		decode(t, resp, &body)
		assert.Equal(t, len(body.Jobs), body.Count)
		return body.Jobs
	}

	assert.Len(t, list(t, ""), 3)
	assert.Len(t, list(t, "?queue=high"), 1)
	assert.Len(t, list(t, "?func=tasks.echo"), 2)
	assert.Len(t, list(t, "?limit=1"), 1)

	canceled := list(t, "?status=canceled")
	require.Len(t, canceled, 1)
	assert.Equal(t, first.ID, canceled[0].ID)

	resp := env.do(t, http.MethodGet, "/api/tasks/tasks/?status=sleeping", superuserToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/tasks/tasks/", userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/tasks/tasks/"+first.ID, superuserToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got async.Job
	decode(t, resp, &got)
	assert.Equal(t, async.JobStatusCanceled, got.Status)

	resp = env.do(t, http.MethodGet, "/api/tasks/tasks/does-not-exist", superuserToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, admin := registerTestTasks(env)

	t.Run("user cancels a task they may run", func(t *testing.T) {
		job, err := echo.Enqueue(ctx, "x")
		require.NoError(t, err)

		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/"+job.ID+"/cancel", userToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got async.Job
		decode(t, resp, &got)
		assert.Equal(t, async.JobStatusCanceled, got.Status)
	})

	t.Run("user may not cancel superuser tasks", func(t *testing.T) {
		job, err := admin.Enqueue(ctx)
		require.NoError(t, err)

		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/"+job.ID+"/cancel", userToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("not cancellable", func(t *testing.T) {
		job, err := admin.Enqueue(ctx)
		require.NoError(t, err)

		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/"+job.ID+"/cancel", superuserToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown job", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/tasks/tasks/nope/cancel", superuserToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = env.do(t, http.MethodPost, "/api/tasks/tasks/nope/cancel", userToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestClearTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, _ := registerTestTasks(env)

	done, err := echo.Enqueue(ctx, "done")
	require.NoError(t, err)
	waiting, err := echo.Enqueue(ctx, "waiting")
	require.NoError(t, err)
	_, err = env.pool.CancelJob(ctx, done.ID)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/api/tasks/tasks/clear", userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/tasks/tasks/clear", superuserToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	decode(t, resp, &body)
	assert.Equal(t, 1, body["cleared"])

	_, err = env.pool.GetJob(ctx, done.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = env.pool.GetJob(ctx, waiting.ID)
	assert.NoError(t, err)
}

func TestListRegisteredTasks(t *testing.T) {
	env := newTestEnv(t)
	registerTestTasks(env)

	names := func(token string) []string {
		resp := env.do(t, http.MethodGet, "/api/tasks/registered/", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var tasks []registeredTask
		decode(t, resp, &tasks)
		out := make([]string, 0, len(tasks))
		for _, task := range tasks {
			out = append(out, task.Type)
		}
		return out
	}

	assert.Empty(t, names(""))
	assert.Equal(t, []string{"tasks.echo"}, names(userToken))
	assert.ElementsMatch(t, []string{"tasks.admin", "tasks.echo"}, names(superuserToken))
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	echo, _ := registerTestTasks(env)

	handle, err := echo.EnqueueIn(ctx, time.Hour, 0, 0, []interface{}{"later"}, nil)
	require.NoError(t, err)

	list := func(t *testing.T, query string) []*schedule.Entry {
		t.Helper()
		resp := env.do(t, http.MethodGet, "/api/tasks/schedules/"+query, superuserToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []*schedule.Entry
		decode(t, resp, &entries)
		return entries
	}

	entries := list(t, "")
	require.Len(t, entries, 1)
	assert.Equal(t, handle.ID, entries[0].ID)
	assert.Equal(t, "tasks.echo", entries[0].Func)

	resp := env.do(t, http.MethodGet, "/api/tasks/schedules/"+handle.ID+"/runs", superuserToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []*schedule.Execution
	decode(t, resp, &runs)
	assert.Empty(t, runs)

	resp = env.do(t, http.MethodGet, "/api/tasks/schedules/missing/runs", superuserToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/tasks/schedules/"+handle.ID, userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/tasks/schedules/"+handle.ID, superuserToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Empty(t, list(t, ""))
	all := list(t, "?all=true")
	require.Len(t, all, 1)
	assert.Equal(t, schedule.StateCanceled, all[0].State)

	resp = env.do(t, http.MethodGet, "/api/tasks/schedules/?all=maybe", superuserToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/tasks/schedules/missing", superuserToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
