// Package tui renders a live run: a Bubble Tea dashboard for terminals and
// a line-oriented console renderer for everything else. Both are fed only
// by bus events.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/coordinator"
)

type Options struct {
	// Title is shown in the header, usually the plan path.
	Title   string
	Workers int
	// OnQuit runs when the user quits before the run has finished.
	OnQuit func()

	Input  io.Reader
	Output io.Writer
}

type eventMsg struct{ ev coordinator.Event }

type subClosedMsg struct{}

type tickMsg time.Time

type model struct {
	opts  Options
	sub   *bus.Subscription
	view  coordinator.RunView
	logs  logFeed
	now   func() time.Time
	width int

	quitting bool
}

func newModel(sub *bus.Subscription, opts Options) model {
	return model{
		opts: opts,
		sub:  sub,
		view: coordinator.NewRunView(),
		logs: newLogFeed(8),
		now:  time.Now,
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForEvent blocks until the next run event arrives on sub.
func waitForEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return subClosedMsg{}
		}
		e, ok := ev.Payload.(coordinator.Event)
		if !ok {
			return eventMsg{}
		}
		return eventMsg{ev: e}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.sub), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.view.Finished() && m.opts.OnQuit != nil {
				m.opts.OnQuit()
			}
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case eventMsg:
		if msg.ev.Kind == "" {
			return m, waitForEvent(m.sub)
		}
		m.view.Apply(msg.ev)
		switch msg.ev.Kind {
		case coordinator.EventLog:
			m.logs.add(logLine{At: m.eventTime(msg.ev), Level: msg.ev.Level, Message: msg.ev.Message})
		case coordinator.EventOrchestrationFailed:
			m.logs.add(logLine{At: m.eventTime(msg.ev), Level: coordinator.LevelError, Message: humanError(msg.ev.Error)})
		}
		if m.view.Finished() {
			return m, tea.Quit
		}
		return m, waitForEvent(m.sub)
	case subClosedMsg:
		return m, tea.Quit
	case tickMsg:
		if m.view.Finished() {
			return m, nil
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m model) eventTime(ev coordinator.Event) time.Time {
	if ev.Time.IsZero() {
		return m.now()
	}
	return ev.Time
}

func (m model) elapsed() time.Duration {
	if m.view.Stats == nil {
		return 0
	}
	if m.view.Finished() || m.view.Stats.StartedAt.IsZero() {
		return time.Duration(m.view.Stats.ElapsedSeconds * float64(time.Second))
	}
	return m.now().Sub(m.view.Stats.StartedAt)
}

func (m model) View() string {
	var b strings.Builder

	title := "taskflow"
	if m.opts.Title != "" {
		title += " · " + m.opts.Title
	}
	b.WriteString(titleStyle.Render(title))
	if m.view.RunID != "" {
		b.WriteString(dimStyle.Render("  run " + m.view.RunID))
	}
	b.WriteString("\n\n")

	b.WriteString(m.statsLine() + "\n\n")
	b.WriteString(m.taskTable())
	b.WriteString("\n" + headerStyle.Render("Recent log") + "\n")
	b.WriteString(m.logs.view(m.width))

	switch {
	case m.view.State == coordinator.StateDone:
		b.WriteString("\n" + doneStyle.Render("All tasks finished.") + "\n")
	case m.view.State == coordinator.StateAborted:
		b.WriteString("\n" + failedStyle.Render("Run aborted: "+humanError(m.view.Error)) + "\n")
	case m.quitting:
		b.WriteString("\n" + warnStyle.Render("Stopping run...") + "\n")
	default:
		b.WriteString("\n" + dimStyle.Render("Press q to stop the run.") + "\n")
	}
	return b.String()
}

func (m model) statsLine() string {
	var running, total, done, failed int
	for _, t := range m.view.Tasks {
		total++
		switch t.Status {
		case coordinator.StatusInProgress:
			running++
		case coordinator.StatusCompleted:
			done++
		case coordinator.StatusFailed:
			failed++
		}
	}
	var dispatches int64
	if m.view.Stats != nil {
		dispatches = m.view.Stats.DispatchCount
	}
	parts := []string{
		fmt.Sprintf("state %s", m.view.State),
		doneStyle.Render(fmt.Sprintf("%d/%d done", done, total)),
		runningStyle.Render(fmt.Sprintf("%d running", running)),
	}
	if failed > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	if m.opts.Workers > 0 {
		parts = append(parts, fmt.Sprintf("workers %d", m.opts.Workers))
	}
	parts = append(parts,
		fmt.Sprintf("dispatches %d", dispatches),
		fmt.Sprintf("elapsed %s", m.elapsed().Truncate(100*time.Millisecond)),
	)
	return strings.Join(parts, dimStyle.Render(" · "))
}

func (m model) taskTable() string {
	if len(m.view.Tasks) == 0 {
		return dimStyle.Render("Waiting for plan...") + "\n"
	}
	descWidth := 40
	if m.width > 80 {
		descWidth = m.width - 50
	}

	var rows strings.Builder
	rows.WriteString(headerStyle.Render(fmt.Sprintf("   %-4s %-*s %-12s %-7s %s", "ID", descWidth, "TASK", "STATUS", "TRIES", "AGENT")) + "\n")
	for _, t := range m.view.Tasks {
		desc := t.Description
		if len(desc) > descWidth {
			desc = desc[:descWidth-3] + "..."
		}
		agent := m.view.Agents[t.ID]
		if agent == "" {
			agent = t.Label
		}
		line := fmt.Sprintf("%s  %-4d %-*s %-12s %-7d %s",
			statusIcon(t.Status), t.ID, descWidth, desc, t.Status, t.Retries, labelStyle.Render(agent))
		if len(t.DependsOn) > 0 {
			line += dimStyle.Render(fmt.Sprintf(" ← %v", t.DependsOn))
		}
		rows.WriteString(statusStyle(t.Status).Render(line) + "\n")
	}
	return boxStyle.Render(strings.TrimRight(rows.String(), "\n")) + "\n"
}

// Run shows the dashboard until the run finishes, the user quits, or ctx
// ends. sub should be subscribed to bus.TopicRunPrefix before the run
// starts so no event is missed.
func Run(ctx context.Context, sub *bus.Subscription, opts Options) error {
	defer resetTTY()

	var progOpts []tea.ProgramOption
	if opts.Input != nil {
		progOpts = append(progOpts, tea.WithInput(opts.Input))
	}
	if opts.Output != nil {
		progOpts = append(progOpts, tea.WithOutput(opts.Output))
	}
	p := tea.NewProgram(newModel(sub, opts), progOpts...)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
