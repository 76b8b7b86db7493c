package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/discovery"
	"github.com/teranos/tasknet/errors"
	tasktest "github.com/teranos/tasknet/internal/testing"
	"github.com/teranos/tasknet/pulse/async"
	"github.com/teranos/tasknet/pulse/schedule"
)

const (
	superuserToken = "su-secret"
	userToken      = "learner"
)

// stubProber answers for known base URLs and refuses everything else
type stubProber struct {
	peers map[string]*discovery.DeviceInfo
}

func (p *stubProber) Probe(_ context.Context, baseURL string) (*discovery.DeviceInfo, error) {
	if info, ok := p.peers[baseURL]; ok {
		return info, nil
	}
	return nil, errors.Wrapf(discovery.ErrConnectionFailure, "%s", baseURL)
}

type testEnv struct {
	server    *Server
	http      *httptest.Server
	registry  *async.Registry
	pool      *async.WorkerPool
	scheduler *schedule.Scheduler
	discovery *discovery.Service
}

// newTestEnv wires a server over an in-memory database. The pool has no
// workers, so jobs stay where the test puts them.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	db := tasktest.CreateTestDB(t)

	store := async.NewStore(db)
	high := async.NewQueueWithStore(async.PriorityHigh, store)
	regular := async.NewQueueWithStore(async.PriorityRegular, store)
	queues := []*async.Queue{high, regular}

	scheduler := schedule.NewScheduler(schedule.NewStore(db), log)
	registry := async.NewRegistry(&async.Runtime{
		Router:    async.NewQueueRouter(queues...),
		Scheduler: scheduler,
	})
	pool := async.NewWorkerPool(context.Background(), registry, queues,
		async.WorkerPoolConfig{Workers: 0, PollInterval: 10 * time.Millisecond}, log)

	prober := &stubProber{peers: map[string]*discovery.DeviceInfo{
		"https://kolibri.qqq": {
			Application:    discovery.KolibriApplication,
			KolibriVersion: "0.16.0",
			DeviceID:       "device-1",
			DeviceName:     "classroom",
		},
		"http://learner.qqq:8080": {
			Application:         discovery.KolibriApplication,
			DeviceID:            "device-2",
			DeviceName:          "tablet",
			SubsetOfUsersDevice: true,
		},
	}}
	svc := discovery.NewService(discovery.NewStore(db), prober, log)

	cfg := &am.Config{Server: am.ServerConfig{
		SuperuserToken: superuserToken,
		AllowedOrigins: []string{"http://localhost"},
	}}
	s, err := New(Options{
		Config:    cfg,
		Registry:  registry,
		Pool:      pool,
		Scheduler: scheduler,
		Discovery: svc,
		Logger:    log,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:    s,
		http:      ts,
		registry:  registry,
		pool:      pool,
		scheduler: scheduler,
		discovery: svc,
	}
}

// do sends a request with an optional bearer token and JSON body
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	decode(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "running", health.State)
	assert.Equal(t, []string{async.PriorityHigh, async.PriorityRegular}, health.Queues)
	assert.Equal(t, 0, health.Clients)
}

func TestResolveActor(t *testing.T) {
	env := newTestEnv(t)
	s := env.server

	assert.Equal(t, async.Anonymous, s.resolveActor(""))

	su := s.resolveActor(superuserToken)
	assert.True(t, su.Superuser)
	assert.True(t, su.Authenticated)

	user := s.resolveActor(userToken)
	assert.True(t, user.Authenticated)
	assert.False(t, user.Superuser)
	assert.Equal(t, user.ID, s.resolveActor(userToken).ID, "same token maps to same actor")
	assert.NotEqual(t, user.ID, s.resolveActor("someone-else").ID)
}

func TestRequestToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc", "", "abc"},
		{"query param", "", "?token=xyz", "xyz"},
		{"header wins", "Bearer abc", "?token=xyz", "abc"},
		{"other scheme", "Basic abc", "", ""},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/tasks"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, requestToken(r))
		})
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	t.Run("allowed origin with port", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.http.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://localhost:3000")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("foreign origin", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.http.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://localhost.evil.qqq")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/tasks/tasks/", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://localhost")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
	})
}

func TestHandleError(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errors.Wrap(async.ErrJobNotFound, "abc"), http.StatusNotFound},
		{"invalid request", errors.NewInvalidRequestError("bad"), http.StatusBadRequest},
		{"unauthorized", errors.ErrUnauthorized, http.StatusUnauthorized},
		{"forbidden", errors.Wrap(errors.ErrForbidden, "nope"), http.StatusForbidden},
		{"conflict", errors.ErrConflict, http.StatusConflict},
		{"unavailable", errors.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"unclassified", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleError(w, log, tt.err, "context")
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := httptest.NewRecorder()
	handleError(w, log, errors.New("secret internals"), "failed to do thing")
	assert.NotContains(t, w.Body.String(), "secret internals")
}

func TestApplyConfigSetsRateLimits(t *testing.T) {
	env := newTestEnv(t)

	cfg := &am.Config{Pulse: am.PulseConfig{Queues: map[string]am.QueueConfig{
		"high": {RequestsPerSecond: 5, Burst: 2},
	}}}
	require.NoError(t, env.server.applyConfig(cfg))
	assert.Same(t, cfg, env.server.Config())
}

func TestStopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, env.server.Stop(ctx))
	assert.Equal(t, ServerStateStopped, env.server.State())
	require.NoError(t, env.server.Stop(ctx), "second stop is a no-op")
}
