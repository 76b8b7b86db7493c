package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
)

// Registry holds the registered tasks of a process, keyed by func name.
// Every task registered here is bound to the registry's Runtime.
type Registry struct {
	jobs    map[string]*RegisteredJob
	runtime *Runtime
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry whose tasks submit through rt.
func NewRegistry(rt *Runtime) *Registry {
	return &Registry{
		jobs:    make(map[string]*RegisteredJob),
		runtime: rt,
	}
}

// Runtime returns the runtime tasks are bound to
func (r *Registry) Runtime() *Runtime {
	return r.runtime
}

// Register adds a task. Panics if the func name is already registered.
func (r *Registry) Register(rj *RegisteredJob) *RegisteredJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[rj.Name()]; exists {
		panic(fmt.Sprintf("task already registered for func: %s", rj.Name()))
	}
	rj.bind(r.runtime)
	r.jobs[rj.Name()] = rj
	return rj
}

// RegisterFunc builds and registers a task in one call.
func (r *Registry) RegisterFunc(name string, fn TaskFunc, opts Options) *RegisteredJob {
	return r.Register(NewRegisteredJob(name, fn, opts))
}

// Get retrieves a task by func name, or nil
func (r *Registry) Get(name string) *RegisteredJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[name]
}

// Has checks if a func name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.jobs[name]
	return exists
}

// Names returns all registered func names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobExecutor runs a dequeued job and returns its result.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) (interface{}, error)
}

// RegistryExecutor executes jobs by looking their func up in a Registry.
type RegistryExecutor struct {
	registry *Registry
}

// NewRegistryExecutor creates an executor backed by a registry.
func NewRegistryExecutor(registry *Registry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute implements JobExecutor. The func runs with a context carrying the
// job, retrievable through JobFromContext.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) (interface{}, error) {
	if job.Func == "" {
		return nil, errors.New("job missing func")
	}

	rj := e.registry.Get(job.Func)
	if rj == nil {
		return nil, errors.Wrapf(ErrUnknownFunc, "func %s", job.Func)
	}

	ctx = logger.WithJobID(WithJob(ctx, job), job.ID)
	return rj.Func()(ctx, job)
}

type jobContextKey struct{}

// WithJob returns a context carrying the running job.
func WithJob(ctx context.Context, job *Job) context.Context {
	return context.WithValue(ctx, jobContextKey{}, job)
}

// JobFromContext returns the running job, or nil outside a task func.
func JobFromContext(ctx context.Context) *Job {
	job, _ := ctx.Value(jobContextKey{}).(*Job)
	return job
}
