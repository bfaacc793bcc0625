package tui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/coordinator"
)

func testPlan() coordinator.Event {
	return coordinator.Event{Kind: coordinator.EventPlanReady, RunID: "run-1", Tasks: []coordinator.Task{
		{ID: 1, Description: "fetch sources", Status: coordinator.StatusPending},
		{ID: 2, Description: "build binary", DependsOn: []int{1}, Status: coordinator.StatusPending, Label: "shell"},
	}}
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return nm, cmd
}

func TestModel_RendersTasksStatsAndLogs(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRunPrefix)
	defer b.Unsubscribe(sub)

	m := newModel(sub, Options{Title: "plan.yaml", Workers: 2})
	m.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC) }

	var cmd tea.Cmd
	m, cmd = update(t, m, eventMsg{ev: testPlan()})
	if cmd == nil {
		t.Fatal("expected a follow-up wait command after plan event")
	}
	m, _ = update(t, m, eventMsg{ev: coordinator.Event{Kind: coordinator.EventTaskStatus, RunID: "run-1", TaskID: 1, Status: coordinator.StatusInProgress}})
	m, _ = update(t, m, eventMsg{ev: coordinator.Event{Kind: coordinator.EventAgentStatus, RunID: "run-1", Agents: map[int]string{1: "shell"}}})
	m, _ = update(t, m, eventMsg{ev: coordinator.Event{Kind: coordinator.EventStats, RunID: "run-1", Stats: &coordinator.StatsSnapshot{
		StartedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), TasksTotal: 2, DispatchCount: 1,
	}}})
	m, _ = update(t, m, eventMsg{ev: coordinator.Event{Kind: coordinator.EventLog, RunID: "run-1", Level: coordinator.LevelWarn, Message: "task 1 failed, retrying"}})

	view := m.View()
	for _, want := range []string{
		"plan.yaml",
		"run-1",
		"fetch sources",
		"build binary",
		"in_progress",
		"0/2 done",
		"1 running",
		"workers 2",
		"dispatches 1",
		"elapsed 5s",
		"task 1 failed, retrying",
		"Press q to stop the run.",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_QuitsOnTerminalEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRunPrefix)
	defer b.Unsubscribe(sub)

	m := newModel(sub, Options{})
	m, _ = update(t, m, eventMsg{ev: testPlan()})
	m, cmd := update(t, m, eventMsg{ev: coordinator.Event{Kind: coordinator.EventOrchestrationFailed, RunID: "run-1", Error: "run: scheduler stuck after 5 checks"}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg after terminal event")
	}
	if view := m.View(); !strings.Contains(view, "Run aborted: Scheduler stuck after 5 checks") {
		t.Fatalf("view does not show abort reason:\n%s", view)
	}
}

func TestModel_QuitKeyCallsOnQuitWhileRunning(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRunPrefix)
	defer b.Unsubscribe(sub)

	called := 0
	m := newModel(sub, Options{OnQuit: func() { called++ }})
	m, _ = update(t, m, eventMsg{ev: testPlan()})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil || called != 1 || !m.quitting {
		t.Fatalf("quit key: cmd=%v called=%d quitting=%v", cmd != nil, called, m.quitting)
	}

	done := newModel(sub, Options{OnQuit: func() { called++ }})
	done, _ = update(t, done, eventMsg{ev: coordinator.Event{Kind: coordinator.EventAllTasksDone, RunID: "run-2"}})
	_, _ = update(t, done, tea.KeyMsg{Type: tea.KeyCtrlC})
	if called != 1 {
		t.Fatalf("OnQuit should not run after the run finished, called=%d", called)
	}
}

func TestModel_WaitForEventReadsSubscription(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRunPrefix)
	bus.Emitter(b)(coordinator.Event{Kind: coordinator.EventLog, RunID: "r", Message: "hello"})

	msg := waitForEvent(sub)()
	em, ok := msg.(eventMsg)
	if !ok || em.ev.Message != "hello" {
		t.Fatalf("waitForEvent = %#v", msg)
	}

	b.Unsubscribe(sub)
	if _, ok := waitForEvent(sub)().(subClosedMsg); !ok {
		t.Fatal("expected subClosedMsg after unsubscribe")
	}
}

func TestModel_WaitingForPlan(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRunPrefix)
	defer b.Unsubscribe(sub)
	m := newModel(sub, Options{})
	if cmd := m.Init(); cmd == nil {
		t.Fatal("expected Init to return a command")
	}
	if view := m.View(); !strings.Contains(view, "Waiting for plan") || !strings.Contains(view, "no log events yet") {
		t.Fatalf("unexpected empty view:\n%s", view)
	}
}

func TestRun_ExitsOnCanceledContext(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicRunPrefix)
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := Run(ctx, sub, Options{Input: strings.NewReader(""), Output: &out})
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}

func TestLogFeedKeepsMostRecent(t *testing.T) {
	f := newLogFeed(3)
	for i := 0; i < 5; i++ {
		f.add(logLine{At: time.Unix(int64(i), 0), Level: coordinator.LevelInfo, Message: string(rune('a' + i))})
	}
	if f.len() != 3 {
		t.Fatalf("len = %d, want 3", f.len())
	}
	if f.items[0].Message != "c" || f.items[2].Message != "e" {
		t.Fatalf("kept %+v", f.items)
	}
}

func TestHumanError(t *testing.T) {
	cases := map[string]string{
		"run: plan: task 3: unknown dependency 9": "Unknown dependency 9",
		"boom":       "boom",
		"trailing: ": "trailing: ",
	}
	for in, want := range cases {
		if got := humanError(in); got != want {
			t.Errorf("humanError(%q) = %q, want %q", in, got, want)
		}
	}
}
