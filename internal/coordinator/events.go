package coordinator

import "time"

// EventKind names an observable scheduler event.
type EventKind string

const (
	EventPlanReady           EventKind = "planReady"
	EventTaskStatus          EventKind = "taskStatusUpdate"
	EventStats               EventKind = "statsUpdate"
	EventAgentStatus         EventKind = "agentStatusUpdate"
	EventLog                 EventKind = "log"
	EventAllTasksDone        EventKind = "allTasksDone"
	EventOrchestrationFailed EventKind = "orchestrationFailed"
)

// LogLevel is the severity carried by log events.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Event is one entry of a run's event stream. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind  EventKind `json:"kind"`
	RunID string    `json:"run_id,omitempty"`
	Time  time.Time `json:"time"`

	// planReady
	Tasks []Task `json:"tasks,omitempty"`

	// taskStatusUpdate
	TaskID   int    `json:"task_id,omitempty"`
	Status   Status `json:"status,omitempty"`
	Retrying bool   `json:"retrying,omitempty"`

	// statsUpdate
	Stats *StatsSnapshot `json:"stats,omitempty"`

	// agentStatusUpdate: task id -> executor label for in-flight tasks.
	Agents map[int]string `json:"agents,omitempty"`

	// log
	Message string   `json:"message,omitempty"`
	Level   LogLevel `json:"level,omitempty"`

	// orchestrationFailed
	Error string `json:"error,omitempty"`
	Cause error  `json:"-"`
}
