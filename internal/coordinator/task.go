package coordinator

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known task states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TaskResult is the outcome of one execution attempt. The scheduler only
// looks at Success; the rest is carried through for observers.
type TaskResult struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Output    string   `json:"output,omitempty"`
}

// Task is a unit of schedulable work. Tasks are owned by a TaskGraph and are
// only mutated through it.
type Task struct {
	ID          int         `json:"id"`
	Description string      `json:"description"`
	DependsOn   []int       `json:"depends_on,omitempty"`
	Status      Status      `json:"status"`
	Retries     int         `json:"retries"`
	Result      *TaskResult `json:"result,omitempty"`

	// Label names the executor capability the planner wants for this task.
	// Empty means the executor's own label.
	Label string `json:"label,omitempty"`

	// Payload is opaque to the scheduler. Planners attach executor actions here.
	Payload any `json:"-"`

	// attempts counts dispatches. Unlike Retries it only moves on dispatch.
	attempts int
}

// Attempts returns how many times the task has been handed to an executor.
func (t *Task) Attempts() int {
	return t.attempts
}

// clone returns a copy that is safe to hand to observers.
func (t *Task) clone() Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]int(nil), t.DependsOn...)
	}
	if t.Result != nil {
		r := *t.Result
		if r.Artifacts != nil {
			r.Artifacts = append([]string(nil), r.Artifacts...)
		}
		c.Result = &r
	}
	return c
}

// TaskOption customizes a task at creation time.
type TaskOption func(*Task)

// WithPayload attaches an executor payload to the task.
func WithPayload(p any) TaskOption {
	return func(t *Task) { t.Payload = p }
}

// WithLabel sets the executor label requested for the task.
func WithLabel(label string) TaskOption {
	return func(t *Task) { t.Label = label }
}
