package server

import (
	"net/http"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/schedule"
)

// HandleListSchedules handles GET /api/tasks/schedules/
// Finished schedules are included with ?all=true.
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	if s.scheduler == nil {
		handleError(w, s.logger, errors.Wrap(errors.ErrServiceUnavailable, "scheduler not running"), "failed to list schedules")
		return
	}

	all, err := parseBoolQueryParam(r, "all")
	if err != nil {
		handleError(w, s.logger, err, "invalid filter")
		return
	}
	entries, err := s.scheduler.List(r.Context(), all != nil && *all)
	if err != nil {
		handleError(w, s.logger, err, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleCancelSchedule handles DELETE /api/tasks/schedules/{id}
func (s *Server) HandleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSuperuser(w, r)
	if !ok {
		return
	}
	if s.scheduler == nil {
		handleError(w, s.logger, errors.Wrap(errors.ErrServiceUnavailable, "scheduler not running"), "failed to cancel schedule")
		return
	}

	id := r.PathValue("id")
	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		handleError(w, s.logger, err, "failed to cancel schedule")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Schedule cancelled",
		logger.FieldScheduleID, shortID(id),
		logger.FieldActor, actor.ID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListScheduleRuns handles GET /api/tasks/schedules/{id}/runs
func (s *Server) HandleListScheduleRuns(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	if s.scheduler == nil {
		handleError(w, s.logger, errors.Wrap(errors.ErrServiceUnavailable, "scheduler not running"), "failed to list schedule runs")
		return
	}

	limit := parseIntQueryParam(r, "limit", schedule.DefaultExecutionLimit, 1, schedule.DefaultExecutionLimit)
	runs, err := s.scheduler.Runs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list schedule runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
