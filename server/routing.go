package server

import (
	"net/http"
	"strings"
)

// routes configures all HTTP handlers
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.corsMiddleware(s.authMiddleware(h)))
	}

	handle("GET /health", s.HandleHealth)

	// Network locations
	handle("GET /api/discovery/networklocation/{$}", s.HandleListNetworkLocations)
	handle("POST /api/discovery/networklocation/{$}", s.HandleCreateNetworkLocation)
	handle("GET /api/discovery/networklocation/{id}", s.HandleGetNetworkLocation)
	handle("DELETE /api/discovery/networklocation/{id}", s.HandleDeleteNetworkLocation)

	// Tasks
	handle("GET /api/tasks/tasks/{$}", s.HandleListTasks)
	handle("POST /api/tasks/tasks/{$}", s.HandleCreateTask)
	handle("POST /api/tasks/tasks/clear", s.HandleClearTasks)
	handle("GET /api/tasks/tasks/{id}", s.HandleGetTask)
	handle("POST /api/tasks/tasks/{id}/cancel", s.HandleCancelTask)
	handle("GET /api/tasks/registered/{$}", s.HandleListRegisteredTasks)

	// Schedules
	handle("GET /api/tasks/schedules/{$}", s.HandleListSchedules)
	handle("DELETE /api/tasks/schedules/{id}", s.HandleCancelSchedule)
	handle("GET /api/tasks/schedules/{id}/runs", s.HandleListScheduleRuns)

	// Job update stream
	handle("GET /ws/tasks", s.HandleTasksWebSocket)

	// Preflight for every route
	mux.HandleFunc("OPTIONS /", s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {}))

	return mux
}

// corsMiddleware adds CORS headers for configured origins and answers preflight requests
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// checkOrigin validates an Origin header against server.allowed_origins.
// Prefix matching allows any port. Requests without an origin pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.Config().GetServerAllowedOrigins() {
		if origin == allowed || strings.HasPrefix(origin, allowed+":") {
			return true
		}
	}
	return false
}

// HandleHealth reports server state and pool shape
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	queues := make([]string, 0, len(s.pool.Queues()))
	for _, q := range s.pool.Queues() {
		queues = append(queues, q.Name())
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		State:   s.State().String(),
		Workers: s.pool.Workers(),
		Queues:  queues,
		Clients: int(s.clientCount.Load()),
	})
}
