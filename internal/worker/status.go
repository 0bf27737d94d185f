package worker

import "time"

// State is the supervisor-visible lifecycle state of a worker.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status is a point-in-time snapshot of a worker for external reporting.
// Child memory usage is deliberately absent: the supervising process cannot
// measure another process's memory without privileged OS APIs, and a
// fabricated value would be worse than none.
type Status struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	State        State          `json:"state"`
	PID          int            `json:"pid,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	Uptime       *time.Duration `json:"uptime,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	RestartCount int            `json:"restart_count"`
	ToolCount    int            `json:"tool_count"`
	LastActivity time.Time      `json:"last_activity,omitzero"`
}
