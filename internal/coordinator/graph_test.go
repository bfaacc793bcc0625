package coordinator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func readyIDs(g *TaskGraph) []int {
	var ids []int
	for _, t := range g.ReadyTasks() {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestAddTask_AssignsMonotonicIDs(t *testing.T) {
	g := NewTaskGraph()
	a := g.AddTask("a", nil)
	b := g.AddTask("b", []int{1, 1})
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("ids = %d, %d", a.ID, b.ID)
	}
	if a.Status != StatusPending || a.Retries != 0 {
		t.Fatalf("new task should be pending with 0 retries: %+v", a)
	}
	if diff := cmp.Diff([]int{1}, b.DependsOn); diff != "" {
		t.Fatalf("deps not deduplicated (-want +got):\n%s", diff)
	}
	if g.Len() != 2 {
		t.Fatalf("len = %d", g.Len())
	}
}

func TestReadyTasks(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("root", nil)
	g.AddTask("left", []int{1})
	g.AddTask("right", []int{1})
	g.AddTask("join", []int{2, 3})
	g.AddTask("free", nil)

	if diff := cmp.Diff([]int{1, 5}, readyIDs(g)); diff != "" {
		t.Fatalf("initial ready set (-want +got):\n%s", diff)
	}
	g.MarkStatus(1, StatusInProgress, nil)
	if diff := cmp.Diff([]int{5}, readyIDs(g)); diff != "" {
		t.Fatalf("ready set while root in progress (-want +got):\n%s", diff)
	}
	g.MarkStatus(1, StatusCompleted, nil)
	if diff := cmp.Diff([]int{2, 3, 5}, readyIDs(g)); diff != "" {
		t.Fatalf("ready set after root (-want +got):\n%s", diff)
	}
	g.MarkStatus(2, StatusCompleted, nil)
	g.MarkStatus(3, StatusFailed, nil)
	if diff := cmp.Diff([]int{5}, readyIDs(g)); diff != "" {
		t.Fatalf("join must wait for every dependency (-want +got):\n%s", diff)
	}
}

func TestReadyTasks_ReturnsSnapshots(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("a", nil)
	snap := g.ReadyTasks()[0]
	snap.Status = StatusCompleted
	if got, _ := g.Get(1); got.Status != StatusPending {
		t.Fatalf("mutating a snapshot changed the graph")
	}
}

func TestMarkStatus_RetriesCounter(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("a", nil)

	if !g.MarkStatus(1, StatusInProgress, nil) {
		t.Fatalf("mark in_progress failed")
	}
	task, _ := g.Get(1)
	if task.Retries != 1 {
		t.Fatalf("first dispatch should show retries=1, got %d", task.Retries)
	}
	if task.Attempts() != 1 {
		t.Fatalf("attempts = %d", task.Attempts())
	}

	g.MarkStatus(1, StatusFailed, &TaskResult{Message: "nope"})
	task, _ = g.Get(1)
	if task.Retries != 2 || task.Attempts() != 1 {
		t.Fatalf("after failure retries=%d attempts=%d", task.Retries, task.Attempts())
	}
	if task.Result == nil || task.Result.Message != "nope" {
		t.Fatalf("result not stored: %+v", task.Result)
	}

	g.MarkStatus(1, StatusCompleted, nil)
	task, _ = g.Get(1)
	if task.Retries != 2 || task.Result.Message != "nope" {
		t.Fatalf("completion without result must keep counters and last result: %+v", task)
	}

	if g.MarkStatus(99, StatusCompleted, nil) {
		t.Fatalf("unknown id should return false")
	}
}

func TestResetForRetry(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("a", nil)

	if g.ResetForRetry(1) {
		t.Fatalf("reset of pending task should be a no-op")
	}
	g.MarkStatus(1, StatusCompleted, nil)
	if g.ResetForRetry(1) {
		t.Fatalf("reset of completed task should be a no-op")
	}
	if got, _ := g.Get(1); got.Status != StatusCompleted {
		t.Fatalf("status changed by no-op reset: %s", got.Status)
	}
	if g.ResetForRetry(42) {
		t.Fatalf("reset of unknown task should return false")
	}

	g2 := NewTaskGraph()
	g2.AddTask("b", nil)
	g2.MarkStatus(1, StatusFailed, nil)
	if !g2.ResetForRetry(1) {
		t.Fatalf("reset of failed task should succeed")
	}
	if got, _ := g2.Get(1); got.Status != StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
	if g2.ResetForRetry(1) {
		t.Fatalf("second reset should be a no-op")
	}
}

func TestCountsAndQueries(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("a", nil)
	g.AddTask("b", []int{1})
	g.AddTask("c", []int{2})
	g.AddTask("d", nil)
	g.MarkStatus(1, StatusFailed, nil)
	g.MarkStatus(4, StatusInProgress, nil)

	want := Counts{Total: 4, Pending: 2, InProgress: 1, Failed: 1}
	if diff := cmp.Diff(want, g.Counts()); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}
	if !g.HasUnfinished() {
		t.Fatalf("expected unfinished work")
	}
	if diff := cmp.Diff([]int{2, 3}, g.PendingIDs()); diff != "" {
		t.Fatalf("pending ids (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, g.UnfinishedIDs()); diff != "" {
		t.Fatalf("unfinished ids (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, g.BlockedBy(3)); diff != "" {
		t.Fatalf("transitive blockers (-want +got):\n%s", diff)
	}
	if got := g.BlockedBy(4); len(got) != 0 {
		t.Fatalf("independent task reported blocked by %v", got)
	}
}

func TestTasks_InsertionOrder(t *testing.T) {
	g := NewTaskGraph()
	g.AddTask("first", nil)
	g.AddTask("second", nil, WithLabel("shell"), WithPayload("x"))
	got := g.Tasks()
	want := []Task{
		{ID: 1, Description: "first", Status: StatusPending},
		{ID: 2, Description: "second", Status: StatusPending, Label: "shell", Payload: "x"},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(Task{})); diff != "" {
		t.Fatalf("tasks (-want +got):\n%s", diff)
	}
}
