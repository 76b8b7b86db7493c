package async

import (
	"context"
	"sort"
	"strings"

	"github.com/teranos/tasknet/errors"
)

// Canonical priority tokens. Each maps to the queue of the same name.
const (
	PriorityRegular = "REGULAR"
	PriorityHigh    = "HIGH"
)

// DefaultPriority is used when a task registers without one
const DefaultPriority = PriorityRegular

// NormalizePriority returns the canonical upper-case priority token.
// An empty priority normalizes to DefaultPriority.
func NormalizePriority(priority string) string {
	p := strings.ToUpper(strings.TrimSpace(priority))
	if p == "" {
		return DefaultPriority
	}
	return p
}

// Enqueuer accepts jobs for execution. *Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) error
}

// Router maps priority tokens to queues. The map is fixed at construction.
type Router struct {
	routes map[string]Enqueuer
}

// NewRouter builds a router from a priority -> queue table.
// Keys are normalized to upper case.
func NewRouter(routes map[string]Enqueuer) *Router {
	r := &Router{routes: make(map[string]Enqueuer, len(routes))}
	for priority, q := range routes {
		r.routes[NormalizePriority(priority)] = q
	}
	return r
}

// NewQueueRouter routes each queue's own name to it.
func NewQueueRouter(queues ...*Queue) *Router {
	routes := make(map[string]Enqueuer, len(queues))
	for _, q := range queues {
		routes[q.Name()] = q
	}
	return NewRouter(routes)
}

// Route returns the queue for a priority token.
func (r *Router) Route(priority string) (Enqueuer, error) {
	q, ok := r.routes[NormalizePriority(priority)]
	if !ok {
		return nil, errors.WithDetail(ErrUnknownPriority, "Priority: "+priority)
	}
	return q, nil
}

// Enqueue submits a job to the queue mapped from priority.
func (r *Router) Enqueue(ctx context.Context, priority string, job *Job) error {
	q, err := r.Route(priority)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, job)
}

// Priorities lists the routed priority tokens in sorted order.
func (r *Router) Priorities() []string {
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
