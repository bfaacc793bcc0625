package coordinator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrPlanning marks every error that stops a run before execution starts.
	ErrPlanning = errors.New("planning failed")
	// ErrExecutionFault marks an executor that returned an error instead of a result.
	ErrExecutionFault = errors.New("task execution fault")
	// ErrSchedulerStuck marks a run that had pending work and nothing to dispatch.
	ErrSchedulerStuck = errors.New("scheduler stuck")
)

// PlanningError describes an invalid or cyclic plan.
type PlanningError struct {
	Reason string
	// TaskID and DependencyID are set for dependency errors.
	TaskID       int
	DependencyID int
	// Candidates holds ids left over after topological peeling. They are
	// involved in or downstream of a cycle; they are not a minimal cycle.
	Candidates []int
	Err        error
}

func (e *PlanningError) Error() string {
	var sb strings.Builder
	sb.WriteString("planning: ")
	sb.WriteString(e.Reason)
	if len(e.Candidates) > 0 {
		sb.WriteString(" (tasks possibly involved: ")
		sb.WriteString(joinIDs(e.Candidates))
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *PlanningError) Is(target error) bool { return target == ErrPlanning }

func (e *PlanningError) Unwrap() error { return e.Err }

// NewPlanningError wraps err as a planning failure with the given reason.
func NewPlanningError(reason string, err error) *PlanningError {
	return &PlanningError{Reason: reason, Err: err}
}

// ExecutionFaultError is returned when an executor errors or panics. It
// aborts the whole run.
type ExecutionFaultError struct {
	TaskID int
	Err    error
}

func (e *ExecutionFaultError) Error() string {
	return fmt.Sprintf("task %d: executor fault: %v", e.TaskID, e.Err)
}

func (e *ExecutionFaultError) Is(target error) bool { return target == ErrExecutionFault }

func (e *ExecutionFaultError) Unwrap() error { return e.Err }

// StuckError reports pending tasks that could not be dispatched.
type StuckError struct {
	// Pending lists the unfinished task ids at the time the run gave up.
	Pending []int
	Checks  int
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("scheduler stuck after %d checks: tasks %s have no runnable path",
		e.Checks, joinIDs(e.Pending))
}

func (e *StuckError) Is(target error) bool { return target == ErrSchedulerStuck }

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
