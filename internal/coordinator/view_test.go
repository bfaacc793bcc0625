package coordinator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestRunViewFoldsEventStream(t *testing.T) {
	v := NewRunView()
	if got := v.Clone(); got.State != StateIdle || len(got.Tasks) != 0 {
		t.Fatalf("fresh view = %+v", got)
	}

	events := []Event{
		{Kind: EventPlanReady, RunID: "r1", Tasks: []Task{
			{ID: 1, Description: "a", Status: StatusPending},
			{ID: 2, Description: "b", DependsOn: []int{1}, Status: StatusPending},
		}},
		{Kind: EventTaskStatus, RunID: "r1", TaskID: 1, Status: StatusInProgress},
		{Kind: EventAgentStatus, RunID: "r1", Agents: map[int]string{1: "shell"}},
		{Kind: EventTaskStatus, RunID: "r1", TaskID: 1, Status: StatusFailed},
		{Kind: EventTaskStatus, RunID: "r1", TaskID: 1, Status: StatusPending, Retrying: true},
		{Kind: EventTaskStatus, RunID: "r1", TaskID: 1, Status: StatusInProgress},
		{Kind: EventTaskStatus, RunID: "r1", TaskID: 1, Status: StatusCompleted},
		{Kind: EventTaskStatus, RunID: "r1", TaskID: 99, Status: StatusCompleted},
		{Kind: EventStats, RunID: "r1", Stats: &StatsSnapshot{TasksTotal: 2, TasksCompleted: 1, DispatchCount: 2}},
	}
	for _, ev := range events {
		v.Apply(ev)
	}

	got := v.Clone()
	if got.RunID != "r1" || got.State != StateExecuting {
		t.Fatalf("run = %q state = %q", got.RunID, got.State)
	}
	want := []Task{
		{ID: 1, Description: "a", Status: StatusCompleted, Retries: 3},
		{ID: 2, Description: "b", DependsOn: []int{1}, Status: StatusPending},
	}
	if diff := cmp.Diff(want, got.Tasks, cmpopts.IgnoreUnexported(Task{})); diff != "" {
		t.Fatalf("tasks mismatch (-want +got):\n%s", diff)
	}
	if got.Stats == nil || got.Stats.DispatchCount != 2 {
		t.Fatalf("stats = %+v", got.Stats)
	}
	if got.Received != int64(len(events)) {
		t.Fatalf("received = %d, want %d", got.Received, len(events))
	}

	v.Apply(Event{Kind: EventOrchestrationFailed, RunID: "r1", Error: "boom"})
	got = v.Clone()
	if got.State != StateAborted || got.Error != "boom" || got.Agents != nil {
		t.Fatalf("after failure: %+v", got)
	}
}

func TestRunViewResetsOnNewRun(t *testing.T) {
	v := NewRunView()
	v.Apply(Event{Kind: EventPlanReady, RunID: "r1", Tasks: []Task{{ID: 1}}})
	v.Apply(Event{Kind: EventAllTasksDone, RunID: "r1"})
	v.Apply(Event{Kind: EventLog, RunID: "r2", Message: "planning"})

	got := v.Clone()
	if got.RunID != "r2" || got.State != StatePlanning || len(got.Tasks) != 0 {
		t.Fatalf("view not reset for new run: %+v", got)
	}
}

func TestRunViewCloneIsIsolated(t *testing.T) {
	v := NewRunView()
	v.Apply(Event{Kind: EventPlanReady, RunID: "r1", Tasks: []Task{{ID: 1, Status: StatusPending}}})
	snap := v.Clone()
	snap.Tasks[0].Status = StatusFailed
	if v.Clone().Tasks[0].Status != StatusPending {
		t.Fatal("mutating a snapshot changed the view")
	}
}

func TestRunViewTaskLookupAndFinished(t *testing.T) {
	v := NewRunView()
	v.Apply(Event{Kind: EventPlanReady, RunID: "r1", Tasks: []Task{{ID: 4, Description: "x"}}})
	if _, ok := v.Task(5); ok {
		t.Fatal("unknown task should not be found")
	}
	if task, ok := v.Task(4); !ok || task.Description != "x" {
		t.Fatalf("Task(4) = %+v, %v", task, ok)
	}
	if v.Finished() {
		t.Fatal("run is not finished yet")
	}
	v.Apply(Event{Kind: EventAllTasksDone, RunID: "r1"})
	if !v.Finished() || v.State != StateDone {
		t.Fatalf("state = %q, want done", v.State)
	}
}
