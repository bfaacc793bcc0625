package coordinator

import (
	"slices"
	"sync"
)

// TaskGraph owns every task of a run plus the dependency structure between
// them. It is safe for concurrent use; each status transition is applied
// atomically under the graph lock.
type TaskGraph struct {
	mu        sync.RWMutex
	tasks     map[int]*Task
	order     []int
	nextID    int
	validated bool
}

// Counts is a derived snapshot of task states.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// NewTaskGraph creates an empty graph whose first task gets id 1.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:  make(map[int]*Task),
		nextID: 1,
	}
}

// AddTask allocates the next id and stores a new pending task. Dependencies
// are not checked here; Validate does that once ingestion is complete.
func (g *TaskGraph) AddTask(description string, dependsOn []int, opts ...TaskOption) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := &Task{
		ID:          g.nextID,
		Description: description,
		DependsOn:   dedupe(dependsOn),
		Status:      StatusPending,
	}
	for _, opt := range opts {
		opt(t)
	}
	g.nextID++
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	g.validated = false
	return t
}

func dedupe(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int, 0, len(ids))
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Get returns a snapshot of the task with the given id.
func (g *TaskGraph) Get(id int) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns snapshots of every task in insertion order.
func (g *TaskGraph) Tasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// ReadyTasks returns, in insertion order, every pending task whose
// dependencies have all completed.
func (g *TaskGraph) ReadyTasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		if g.depsCompletedLocked(t) {
			ready = append(ready, t.clone())
		}
	}
	return ready
}

func (g *TaskGraph) depsCompletedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkStatus moves a task to status, storing result when it is non-nil. It
// returns false if the id is unknown.
//
// Entering in_progress or failed both bump Retries, so a task that has been
// dispatched once already reports Retries == 1.
func (g *TaskGraph) MarkStatus(id int, status Status, result *TaskResult) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return false
	}
	t.Status = status
	if result != nil {
		r := *result
		t.Result = &r
	}
	switch status {
	case StatusInProgress:
		t.Retries++
		t.attempts++
	case StatusFailed:
		t.Retries++
	}
	return true
}

// ResetForRetry puts a failed task back to pending. Any other state, or an
// unknown id, leaves the graph untouched and returns false.
func (g *TaskGraph) ResetForRetry(id int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok || t.Status != StatusFailed {
		return false
	}
	t.Status = StatusPending
	return true
}

// Counts derives task counts from the current state.
func (g *TaskGraph) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := Counts{Total: len(g.order)}
	for _, id := range g.order {
		switch g.tasks[id].Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// HasUnfinished reports whether any task is pending or in progress.
func (g *TaskGraph) HasUnfinished() bool {
	c := g.Counts()
	return c.Pending > 0 || c.InProgress > 0
}

// PendingIDs lists pending task ids in insertion order.
func (g *TaskGraph) PendingIDs() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []int
	for _, id := range g.order {
		if g.tasks[id].Status == StatusPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// UnfinishedIDs lists pending and in-progress task ids in insertion order.
func (g *TaskGraph) UnfinishedIDs() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []int
	for _, id := range g.order {
		if st := g.tasks[id].Status; st == StatusPending || st == StatusInProgress {
			ids = append(ids, id)
		}
	}
	return ids
}

// BlockedBy returns the failed tasks among id's transitive dependencies,
// sorted ascending. An empty result means nothing failed upstream.
func (g *TaskGraph) BlockedBy(id int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var failed []int
	seen := make(map[int]bool)
	stack := []int{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t, ok := g.tasks[cur]
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if d, ok := g.tasks[dep]; ok && d.Status == StatusFailed {
				failed = append(failed, dep)
			}
			stack = append(stack, dep)
		}
	}
	slices.Sort(failed)
	return failed
}

// Validated reports whether Validate has passed since the last AddTask.
func (g *TaskGraph) Validated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validated
}
