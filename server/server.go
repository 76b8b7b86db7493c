// Package server exposes tasks and network locations over HTTP and streams
// job updates over a WebSocket.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/discovery"
	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/async"
	"github.com/teranos/tasknet/pulse/schedule"
)

// Options wires a Server to the components it serves.
// Scheduler, Ticker and ConfigWatcher are optional.
type Options struct {
	Config        *am.Config
	Registry      *async.Registry
	Pool          *async.WorkerPool
	Scheduler     *schedule.Scheduler
	Ticker        *schedule.Ticker
	Discovery     *discovery.Service
	ConfigWatcher *am.ConfigWatcher
	Logger        *zap.SugaredLogger
}

// Server is the tasknet HTTP server
type Server struct {
	config        atomic.Pointer[am.Config]
	registry      *async.Registry
	pool          *async.WorkerPool
	scheduler     *schedule.Scheduler
	ticker        *schedule.Ticker
	discovery     *discovery.Service
	configWatcher *am.ConfigWatcher
	logger        *zap.SugaredLogger

	// WebSocket hub. clients is owned by the hub goroutine.
	clients        map[*Client]bool
	clientCount    atomic.Int32
	register       chan *Client
	unregister     chan *Client
	broadcast      chan interface{}
	broadcastDrops atomic.Int64

	httpServer *http.Server
	handler    http.Handler

	// Lifecycle management
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	state     atomic.Int32
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a server. Nothing runs until Start or Serve.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("server requires a task registry")
	}
	if opts.Pool == nil {
		return nil, errors.New("server requires a worker pool")
	}
	if opts.Discovery == nil {
		return nil, errors.New("server requires a discovery service")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &am.Config{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:      opts.Registry,
		pool:          opts.Pool,
		scheduler:     opts.Scheduler,
		ticker:        opts.Ticker,
		discovery:     opts.Discovery,
		configWatcher: opts.ConfigWatcher,
		logger:        log.Named("server"),
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		broadcast:     make(chan interface{}, MaxClientMessageQueueSize),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.config.Store(cfg)
	s.state.Store(int32(ServerStateRunning))
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config returns the active configuration
func (s *Server) Config() *am.Config {
	return s.config.Load()
}

// State returns the lifecycle state
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", "new_state", state.String())
}

// applyConfig swaps in a reloaded config and re-applies queue rate limits.
// Queues missing from [pulse.queues] become unlimited.
func (s *Server) applyConfig(cfg *am.Config) error {
	s.config.Store(cfg)

	limits := cfg.Pulse.QueueLimits()
	for _, q := range s.pool.Queues() {
		limit := limits[q.Name()]
		s.pool.SetRateLimit(q.Name(), async.RateLimit{PerSecond: limit.RequestsPerSecond, Burst: limit.Burst})
	}
	s.logger.Infow("Applied reloaded config",
		"queues", len(limits),
		"workers", cfg.Pulse.Workers)
	return nil
}

// jobStore returns the store all queues share
func (s *Server) jobStore() (*async.Store, error) {
	queues := s.pool.Queues()
	if len(queues) == 0 {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "no queues configured")
	}
	return queues[0].Store(), nil
}
