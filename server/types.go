package server

import (
	"time"

	"github.com/teranos/tasknet/pulse/async"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds graceful shutdown. WorkerPool.Stop alone may
	// take async.StopTimeout.
	ShutdownTimeout = 45 * time.Second
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// JobUpdateMessage is pushed to /ws/tasks clients on every job change
type JobUpdateMessage struct {
	Type string     `json:"type"` // always "job_update"
	Job  *async.Job `json:"job"`
}

// CreateTaskRequest is the body of POST /api/tasks/tasks/
type CreateTaskRequest struct {
	Type   string                 `json:"type"`
	Args   []interface{}          `json:"args"`
	Kwargs map[string]interface{} `json:"kwargs"`
}

// CreateNetworkLocationRequest is the body of POST /api/discovery/networklocation/
type CreateNetworkLocationRequest struct {
	BaseURL string `json:"base_url"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string   `json:"status"`
	State   string   `json:"state"`
	Workers int      `json:"workers"`
	Queues  []string `json:"queues"`
	Clients int      `json:"clients"`
}
