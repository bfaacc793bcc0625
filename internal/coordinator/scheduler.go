package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultMaxRetries   = 3
	DefaultStuckLimit   = 5
	DefaultStuckBackoff = 200 * time.Millisecond
	DefaultWorkers      = 1
	defaultLabel        = "executor"
)

// RunState is the lifecycle of a single run.
type RunState string

const (
	StateIdle      RunState = "idle"
	StatePlanning  RunState = "planning"
	StateReady     RunState = "ready"
	StateExecuting RunState = "executing"
	StateDone      RunState = "done"
	StateAborted   RunState = "aborted"
)

// Report summarizes a finished run.
type Report struct {
	RunID string        `json:"run_id"`
	State RunState      `json:"state"`
	Stats StatsSnapshot `json:"stats"`
	Tasks []Task        `json:"tasks"`
	// Blocked maps pending tasks that never became ready to the failed
	// tasks upstream of them.
	Blocked map[int][]int `json:"blocked,omitempty"`
}

// Scheduler drives a task graph to completion through an Executor. It is
// constructed explicitly by the run's entry point; there is no shared
// instance.
type Scheduler struct {
	planner Planner
	exec    Executor

	emitter      Emitter
	logger       *slog.Logger
	metrics      *otelpkg.Metrics
	tracer       trace.Tracer
	stats        *Stats
	runID        string
	maxRetries   int
	stuckLimit   int
	stuckBackoff time.Duration
	workers      int

	mu      sync.Mutex
	state   RunState
	graph   *TaskGraph
	blocked map[int][]int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEmitter installs the event sink.
func WithEmitter(e Emitter) Option { return func(s *Scheduler) { s.emitter = e } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMaxRetries bounds how many times a failing task is re-queued.
func WithMaxRetries(n int) Option { return func(s *Scheduler) { s.maxRetries = n } }

// WithStuckLimit sets how many consecutive empty checks end a stalled run.
func WithStuckLimit(n int) Option { return func(s *Scheduler) { s.stuckLimit = n } }

// WithStuckBackoff sets the base wait between stalled checks. The n-th
// check waits n times this value.
func WithStuckBackoff(d time.Duration) Option { return func(s *Scheduler) { s.stuckBackoff = d } }

// WithWorkers sets how many executor calls may be in flight. 1 keeps the
// sequential one-task-at-a-time behaviour.
func WithWorkers(n int) Option { return func(s *Scheduler) { s.workers = n } }

// WithStats shares a statistics tracker, typically with an executor that
// records dispatch calls.
func WithStats(st *Stats) Option { return func(s *Scheduler) { s.stats = st } }

// WithRunID overrides the generated run id.
func WithRunID(id string) Option { return func(s *Scheduler) { s.runID = id } }

// WithMetrics records scheduler metrics on m.
func WithMetrics(m *otelpkg.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithTracer wraps each dispatch in a span.
func WithTracer(t trace.Tracer) Option { return func(s *Scheduler) { s.tracer = t } }

// NewScheduler creates a scheduler. planner may be nil when only RunGraph
// is used.
func NewScheduler(planner Planner, exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		planner:      planner,
		exec:         exec,
		maxRetries:   DefaultMaxRetries,
		stuckLimit:   DefaultStuckLimit,
		stuckBackoff: DefaultStuckBackoff,
		workers:      DefaultWorkers,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.stats == nil {
		s.stats = NewStats()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	if s.runID == "" {
		s.runID = shared.NewRunID()
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if s.stuckLimit <= 0 {
		s.stuckLimit = DefaultStuckLimit
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	s.logger = s.logger.With("component", "scheduler", "run_id", s.runID)
	return s
}

// RunID returns the id stamped on every event of this scheduler.
func (s *Scheduler) RunID() string { return s.runID }

// Stats returns the run statistics tracker.
func (s *Scheduler) Stats() *Stats { return s.stats }

// State returns the current run state.
func (s *Scheduler) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Graph returns the graph being executed, or nil before planning finishes.
func (s *Scheduler) Graph() *TaskGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

func (s *Scheduler) setState(st RunState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("run state changed", "state", st)
}

// Run asks the planner for a graph and executes it.
func (s *Scheduler) Run(ctx context.Context, objective string, pc PlanContext) (*Report, error) {
	ctx = shared.WithRunID(ctx, s.runID)
	s.setState(StatePlanning)
	s.emitLog(LevelInfo, fmt.Sprintf("planning objective %q", objective))

	if s.planner == nil {
		return s.abort(ctx, nil, &PlanningError{Reason: "no planner configured"})
	}
	g, err := s.planner.GeneratePlan(ctx, objective, pc)
	if err != nil {
		var pe *PlanningError
		if !errors.As(err, &pe) {
			err = NewPlanningError("planner failed", err)
		}
		return s.abort(ctx, nil, err)
	}
	if g == nil {
		return s.abort(ctx, nil, &PlanningError{Reason: "planner returned no plan"})
	}
	return s.RunGraph(ctx, g)
}

// RunGraph validates g (unless already validated) and executes it until no
// task is pending or in progress.
func (s *Scheduler) RunGraph(ctx context.Context, g *TaskGraph) (*Report, error) {
	if s.exec == nil {
		return nil, errors.New("scheduler: executor is required")
	}
	ctx = shared.WithRunID(ctx, s.runID)

	s.mu.Lock()
	s.graph = g
	s.blocked = nil
	s.mu.Unlock()

	if !g.Validated() {
		if err := g.Validate(); err != nil {
			return s.abort(ctx, g, err)
		}
	}

	s.setState(StateReady)
	s.stats.start()
	s.emit(Event{Kind: EventPlanReady, Tasks: g.Tasks()})
	s.emitStats(g)

	s.setState(StateExecuting)
	if err := s.loop(ctx, g); err != nil {
		return s.abort(ctx, g, err)
	}

	s.setState(StateDone)
	s.emitStats(g)
	s.emit(Event{Kind: EventAllTasksDone})
	s.metrics.RecordRun(ctx, string(StateDone))
	s.logger.Info("run finished", "tasks", g.Len(), "dispatches", s.stats.DispatchCount())
	return s.report(g), nil
}

func (s *Scheduler) abort(ctx context.Context, g *TaskGraph, err error) (*Report, error) {
	s.setState(StateAborted)
	s.logger.Error("run aborted", "error", err)
	s.emit(Event{Kind: EventOrchestrationFailed, Error: err.Error(), Cause: err})
	s.metrics.RecordRun(ctx, string(StateAborted))
	if g == nil {
		return &Report{RunID: s.runID, State: StateAborted}, err
	}
	return s.report(g), err
}

func (s *Scheduler) report(g *TaskGraph) *Report {
	s.mu.Lock()
	blocked := s.blocked
	state := s.state
	s.mu.Unlock()
	return &Report{
		RunID:   s.runID,
		State:   state,
		Stats:   s.stats.Snapshot(g),
		Tasks:   g.Tasks(),
		Blocked: blocked,
	}
}

type outcome struct {
	taskID   int
	result   TaskResult
	err      error
	duration time.Duration
}

// loop is the dispatch state machine. Only this goroutine transitions task
// state; executor goroutines report back through results.
func (s *Scheduler) loop(ctx context.Context, g *TaskGraph) error {
	results := make(chan outcome, s.workers)
	inFlight := 0
	stalled := 0
	var fatal error

	for {
		if fatal == nil && ctx.Err() != nil {
			fatal = fmt.Errorf("run canceled: %w", ctx.Err())
			s.emitLog(LevelWarn, "run canceled; waiting for in-flight tasks")
		}

		if fatal == nil {
			for _, t := range g.ReadyTasks() {
				if inFlight >= s.workers {
					break
				}
				s.dispatch(ctx, g, t, results)
				inFlight++
			}
		}

		if inFlight > 0 {
			out := <-results
			inFlight--
			stalled = 0
			if err := s.apply(ctx, g, out); err != nil && fatal == nil {
				fatal = err
			}
			continue
		}

		if fatal != nil {
			return fatal
		}
		if !g.HasUnfinished() {
			return nil
		}

		stalled++
		if stalled > s.stuckLimit {
			return s.resolveStall(g, stalled-1)
		}
		wait := s.stuckBackoff * time.Duration(stalled)
		s.logger.Warn("no runnable tasks", "pending", g.PendingIDs(), "check", stalled, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// resolveStall decides how a run with undispatchable pending tasks ends.
// Tasks held back only by permanently failed dependencies are an expected
// outcome; anything else is a stuck scheduler.
func (s *Scheduler) resolveStall(g *TaskGraph, checks int) error {
	unfinished := g.UnfinishedIDs()
	blocked := make(map[int][]int, len(unfinished))
	for _, id := range unfinished {
		t, _ := g.Get(id)
		failed := g.BlockedBy(id)
		if t.Status != StatusPending || len(failed) == 0 {
			return &StuckError{Pending: unfinished, Checks: checks}
		}
		blocked[id] = failed
	}
	for _, id := range unfinished {
		s.emitLog(LevelWarn, fmt.Sprintf("task %d will not run: depends on failed tasks %s", id, joinIDs(blocked[id])))
	}
	s.mu.Lock()
	s.blocked = blocked
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) labelFor(t Task) string {
	if t.Label != "" {
		return t.Label
	}
	if l, ok := s.exec.(Labeler); ok {
		return l.Label()
	}
	return defaultLabel
}

func (s *Scheduler) dispatch(ctx context.Context, g *TaskGraph, t Task, results chan<- outcome) {
	g.MarkStatus(t.ID, StatusInProgress, nil)
	label := s.labelFor(t)
	s.stats.setAgent(t.ID, label)

	snapshot, _ := g.Get(t.ID)
	s.logger.Info("dispatching task", "task_id", t.ID, "attempt", snapshot.Attempts(), "label", label)
	s.emitStatus(t.ID, StatusInProgress, false)
	s.emitAgents()
	s.metrics.TaskStarted(ctx, label)

	go func() {
		start := time.Now()
		res, err := s.invoke(ctx, &snapshot, label)
		results <- outcome{taskID: t.ID, result: res, err: err, duration: time.Since(start)}
	}()
}

func (s *Scheduler) invoke(ctx context.Context, task *Task, label string) (res TaskResult, err error) {
	ctx = shared.WithTaskID(ctx, strconv.Itoa(task.ID))
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "task.execute",
		otelpkg.AttrRunID.String(s.runID),
		otelpkg.AttrTaskID.Int(task.ID),
		otelpkg.AttrLabel.String(label),
		otelpkg.AttrAttempt.Int(task.Attempts()),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !res.Success:
			span.SetStatus(codes.Error, res.Message)
		}
	}()
	return s.exec.Execute(ctx, task)
}

func (s *Scheduler) apply(ctx context.Context, g *TaskGraph, out outcome) error {
	id := out.taskID
	label := s.stats.Agents()[id]
	s.stats.clearAgent(id)
	defer func() {
		s.emitAgents()
		s.emitStats(g)
	}()

	if out.err != nil {
		msg := out.err.Error()
		g.MarkStatus(id, StatusFailed, &TaskResult{Success: false, Message: msg})
		s.metrics.TaskFinished(ctx, label, "fault", out.duration)
		s.emitStatus(id, StatusFailed, false)
		s.emitLog(LevelError, fmt.Sprintf("task %d raised an error, aborting run: %s", id, msg))
		return &ExecutionFaultError{TaskID: id, Err: out.err}
	}

	if out.result.Success {
		g.MarkStatus(id, StatusCompleted, &out.result)
		s.metrics.TaskFinished(ctx, label, "completed", out.duration)
		s.emitStatus(id, StatusCompleted, false)
		return nil
	}

	g.MarkStatus(id, StatusFailed, &out.result)
	s.metrics.TaskFinished(ctx, label, "failed", out.duration)
	s.emitStatus(id, StatusFailed, false)

	task, _ := g.Get(id)
	if task.Attempts() <= s.maxRetries && g.ResetForRetry(id) {
		s.metrics.TaskRetried(ctx, label)
		s.emitStatus(id, StatusPending, true)
		s.emitLog(LevelWarn, fmt.Sprintf("task %d failed (attempt %d of %d), retrying: %s",
			id, task.Attempts(), s.maxRetries+1, out.result.Message))
		return nil
	}
	s.emitLog(LevelError, fmt.Sprintf("task %d failed permanently after %d attempts: %s",
		id, task.Attempts(), out.result.Message))
	return nil
}

func (s *Scheduler) emit(ev Event) {
	if s.emitter == nil {
		return
	}
	ev.RunID = s.runID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.emitter(ev)
}

func (s *Scheduler) emitStatus(id int, st Status, retrying bool) {
	s.emit(Event{Kind: EventTaskStatus, TaskID: id, Status: st, Retrying: retrying})
}

func (s *Scheduler) emitAgents() {
	s.emit(Event{Kind: EventAgentStatus, Agents: s.stats.Agents()})
}

func (s *Scheduler) emitStats(g *TaskGraph) {
	snap := s.stats.Snapshot(g)
	s.emit(Event{Kind: EventStats, Stats: &snap})
}

func (s *Scheduler) emitLog(level LogLevel, msg string) {
	switch level {
	case LevelError:
		s.logger.Error(msg)
	case LevelWarn:
		s.logger.Warn(msg)
	default:
		s.logger.Info(msg)
	}
	s.emit(Event{Kind: EventLog, Level: level, Message: msg})
}
