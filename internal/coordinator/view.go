package coordinator

import (
	"maps"
	"slices"
	"time"
)

// RunView is a run's state rebuilt purely from its event stream. Observers
// fold every event they receive through Apply; no access to the scheduler
// or its graph is needed. A RunView is not safe for concurrent use.
type RunView struct {
	RunID   string         `json:"run_id,omitempty"`
	State   RunState       `json:"state"`
	Tasks   []Task         `json:"tasks"`
	Stats   *StatsSnapshot `json:"stats,omitempty"`
	Agents  map[int]string `json:"agents,omitempty"`
	Error   string         `json:"error,omitempty"`
	Updated time.Time      `json:"updated"`
	// Received counts every event applied, across runs.
	Received int64 `json:"events_received"`

	index map[int]int
}

// NewRunView returns an idle view.
func NewRunView() RunView {
	return RunView{State: StateIdle}
}

// Apply folds one event into the view. An event carrying a new run id
// resets the view first.
func (v *RunView) Apply(ev Event) {
	v.Received++
	if !ev.Time.IsZero() {
		v.Updated = ev.Time
	}
	if ev.RunID != "" && ev.RunID != v.RunID {
		*v = RunView{RunID: ev.RunID, State: StatePlanning, Received: v.Received, Updated: v.Updated}
	}

	switch ev.Kind {
	case EventPlanReady:
		v.State = StateExecuting
		v.Tasks = slices.Clone(ev.Tasks)
		v.index = make(map[int]int, len(ev.Tasks))
		for i, t := range v.Tasks {
			v.index[t.ID] = i
		}
	case EventTaskStatus:
		i, ok := v.index[ev.TaskID]
		if !ok {
			return
		}
		t := &v.Tasks[i]
		if ev.Status == StatusInProgress || ev.Status == StatusFailed {
			t.Retries++
		}
		t.Status = ev.Status
	case EventStats:
		if ev.Stats != nil {
			s := *ev.Stats
			v.Stats = &s
		}
	case EventAgentStatus:
		v.Agents = maps.Clone(ev.Agents)
	case EventAllTasksDone:
		v.State = StateDone
		v.Agents = nil
	case EventOrchestrationFailed:
		v.State = StateAborted
		v.Error = ev.Error
		v.Agents = nil
	}
}

// Task returns the view's copy of task id.
func (v *RunView) Task(id int) (Task, bool) {
	i, ok := v.index[id]
	if !ok {
		return Task{}, false
	}
	return v.Tasks[i], true
}

// Finished reports whether the run has reached a terminal event.
func (v *RunView) Finished() bool {
	return v.State == StateDone || v.State == StateAborted
}

// Clone returns a deep copy that shares nothing with v.
func (v *RunView) Clone() RunView {
	out := *v
	out.Tasks = make([]Task, len(v.Tasks))
	for i := range v.Tasks {
		out.Tasks[i] = v.Tasks[i].clone()
	}
	out.Agents = maps.Clone(v.Agents)
	if v.Stats != nil {
		s := *v.Stats
		out.Stats = &s
	}
	out.index = maps.Clone(v.index)
	return out
}
