package coordinator

import "context"

// PlanContext carries caller-supplied hints for a planner.
type PlanContext struct {
	WorkDir string
	Vars    map[string]string
}

// Planner turns an objective into a task graph. Implementations should
// return a *PlanningError when no valid graph can be produced.
type Planner interface {
	GeneratePlan(ctx context.Context, objective string, pc PlanContext) (*TaskGraph, error)
}

// Executor performs the work of a single task. A result with Success false
// is a recoverable failure; a non-nil error is a fault that aborts the run.
type Executor interface {
	Execute(ctx context.Context, task *Task) (TaskResult, error)
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, task *Task) (TaskResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (TaskResult, error) {
	return f(ctx, task)
}

// Labeler is implemented by executors that report a capability label for
// agent status updates.
type Labeler interface {
	Label() string
}

// DispatchRecorder counts costly external operations. *Stats implements it.
type DispatchRecorder interface {
	RecordDispatch()
}

// Emitter receives scheduler events. It is called synchronously from the
// scheduler loop and must not block.
type Emitter func(Event)
