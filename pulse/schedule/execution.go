package schedule

import "time"

// Execution records one firing of a scheduled job: which pulse job it
// produced, or why it could not be dispatched.
type Execution struct {
	ID           string    `json:"id"`
	ScheduleID   string    `json:"schedule_id"`
	JobID        string    `json:"job_id,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	FiredAt      time.Time `json:"fired_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// Execution status constants
const (
	ExecutionStatusEnqueued = "enqueued"
	ExecutionStatusFailed   = "failed"
)
