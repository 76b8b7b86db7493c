package server

import (
	"net/http"
	"strings"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/async"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// HandleListTasks handles GET /api/tasks/tasks/
// Optional filters: queue, status, func, limit.
func (s *Server) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}

	q := r.URL.Query()
	filter := async.JobFilter{
		Func:  q.Get("func"),
		Limit: parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit),
	}
	if queue := q.Get("queue"); queue != "" {
		filter.Queue = async.NormalizePriority(queue)
	}
	if status := strings.ToUpper(q.Get("status")); status != "" {
		if !async.IsValidStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown status: "+q.Get("status"))
			return
		}
		filter.Status = async.JobStatus(status)
	}

	store, err := s.jobStore()
	if err != nil {
		handleError(w, s.logger, err, "failed to list tasks")
		return
	}
	jobs, err := store.ListJobs(r.Context(), filter)
	if err != nil {
		handleError(w, s.logger, err, "failed to list tasks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleGetTask handles GET /api/tasks/tasks/{id}
func (s *Server) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	job, err := s.pool.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleCreateTask handles POST /api/tasks/tasks/
// Body: {"type": func, "args": [...], "kwargs": {...}}. The registered
// task's permissions decide who may enqueue it.
func (s *Server) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	var req CreateTaskRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	rj := s.registry.Get(req.Type)
	if rj == nil {
		writeError(w, http.StatusBadRequest, "no task registered for type "+req.Type)
		return
	}
	if !rj.CheckPermissions(actor) {
		writeError(w, http.StatusForbidden, "you do not have permission to run "+req.Type)
		return
	}
	// ReadyJob is the only validation pass; its errors are always the caller's
	job, err := rj.ReadyJob(req.Args, req.Kwargs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), errors.GetAllDetails(err)...)
		return
	}
	if err := rj.Submit(r.Context(), job); err != nil {
		handleError(w, s.logger, err, "failed to enqueue task")
		return
	}

	logger.AddPulseSymbol(s.logger).Infow("Task created over HTTP",
		logger.FieldJobID, shortID(job.ID),
		logger.FieldFunc, job.Func,
		logger.FieldQueue, job.Queue,
		logger.FieldActor, actor.ID)
	writeJSON(w, http.StatusCreated, job)
}

// HandleCancelTask handles POST /api/tasks/tasks/{id}/cancel
// Whoever may run a task may cancel it; jobs of unregistered funcs need the superuser.
func (s *Server) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id := r.PathValue("id")

	job, err := s.pool.GetJob(r.Context(), id)
	if err != nil {
		if !actor.Superuser {
			// Existence is not disclosed to callers who could not see the job
			writeError(w, http.StatusForbidden, "you do not have permission to perform this action")
			return
		}
		handleError(w, s.logger, err, "failed to cancel task")
		return
	}

	allowed := actor.Authenticated && actor.Superuser
	if rj := s.registry.Get(job.Func); rj != nil {
		allowed = rj.CheckPermissions(actor)
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "you do not have permission to cancel "+job.Func)
		return
	}

	job, err = s.pool.CancelJob(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "failed to cancel task")
		return
	}

	logger.AddPulseSymbol(s.logger).Infow("Task cancel requested",
		logger.FieldJobID, shortID(job.ID),
		logger.FieldStatus, job.Status,
		logger.FieldActor, actor.ID)
	writeJSON(w, http.StatusOK, job)
}

// HandleClearTasks handles POST /api/tasks/tasks/clear
// Deletes finished jobs on every queue.
func (s *Server) HandleClearTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}

	cleared := 0
	for _, q := range s.pool.Queues() {
		n, err := q.Clear(r.Context())
		if err != nil {
			handleError(w, s.logger, err, "failed to clear tasks")
			return
		}
		cleared += n
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// registeredTask describes a registration for GET /api/tasks/registered/
type registeredTask struct {
	Type          string `json:"type"`
	Priority      string `json:"priority"`
	Group         string `json:"group,omitempty"`
	Cancellable   bool   `json:"cancellable"`
	TrackProgress bool   `json:"track_progress"`
}

// HandleListRegisteredTasks lists the tasks the caller may run
func (s *Server) HandleListRegisteredTasks(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	tasks := []registeredTask{}
	for _, name := range s.registry.Names() {
		rj := s.registry.Get(name)
		if rj == nil || !rj.CheckPermissions(actor) {
			continue
		}
		tasks = append(tasks, registeredTask{
			Type:          name,
			Priority:      rj.Priority(),
			Group:         rj.Group(),
			Cancellable:   rj.Cancellable(),
			TrackProgress: rj.TrackProgress(),
		})
	}
	writeJSON(w, http.StatusOK, tasks)
}
