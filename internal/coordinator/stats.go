package coordinator

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// StatsSnapshot is the payload of a statsUpdate event.
type StatsSnapshot struct {
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	TasksTotal     int       `json:"tasks_total"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	DispatchCount  int64     `json:"dispatch_count"`
}

// Stats tracks run statistics. Task counts are never stored here; they are
// derived from the graph whenever a snapshot is taken. The dispatch counter
// is the only explicit counter and is safe to bump from any goroutine.
type Stats struct {
	now        func() time.Time
	dispatches atomic.Int64

	mu      sync.Mutex
	started time.Time
	agents  map[int]string
}

// NewStats creates run statistics using the wall clock.
func NewStats() *Stats {
	return &Stats{now: time.Now, agents: make(map[int]string)}
}

func (s *Stats) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = s.now()
}

// RecordDispatch counts one costly external operation.
func (s *Stats) RecordDispatch() {
	s.dispatches.Add(1)
}

// DispatchCount returns the number of recorded dispatch calls.
func (s *Stats) DispatchCount() int64 {
	return s.dispatches.Load()
}

func (s *Stats) setAgent(taskID int, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[taskID] = label
}

func (s *Stats) clearAgent(taskID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, taskID)
}

// Agents returns the labels of in-flight tasks keyed by task id.
func (s *Stats) Agents() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.agents)
}

// Snapshot derives a statistics snapshot from the current graph state.
func (s *Stats) Snapshot(g *TaskGraph) StatsSnapshot {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	snap := StatsSnapshot{
		StartedAt:     started,
		DispatchCount: s.DispatchCount(),
	}
	if !started.IsZero() {
		snap.ElapsedSeconds = s.now().Sub(started).Seconds()
	}
	if g != nil {
		c := g.Counts()
		snap.TasksTotal = c.Total
		snap.TasksCompleted = c.Completed
		snap.TasksFailed = c.Failed
	}
	return snap
}
