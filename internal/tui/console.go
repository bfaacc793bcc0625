package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/coordinator"
)

// Console writes one plain line per meaningful run event. It is used when
// stdout is not a terminal or -plain is given.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	view coordinator.RunView
	now  func() time.Time
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, view: coordinator.NewRunView(), now: time.Now}
}

// Handle renders ev. It can be used directly as a coordinator.Emitter.
func (c *Console) Handle(ev coordinator.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.view.Apply(ev)
	at := ev.Time
	if at.IsZero() {
		at = c.now()
	}
	stamp := at.Format("15:04:05")

	switch ev.Kind {
	case coordinator.EventPlanReady:
		fmt.Fprintf(c.w, "%s plan ready: %d tasks\n", stamp, len(ev.Tasks))
		for _, t := range ev.Tasks {
			line := fmt.Sprintf("  [%d] %s", t.ID, t.Description)
			if len(t.DependsOn) > 0 {
				line += fmt.Sprintf(" (after %s)", joinIDs(t.DependsOn))
			}
			fmt.Fprintln(c.w, line)
		}
	case coordinator.EventTaskStatus:
		desc := ""
		if t, ok := c.view.Task(ev.TaskID); ok {
			desc = t.Description
		}
		status := string(ev.Status)
		if ev.Retrying {
			status += " (retrying)"
		}
		fmt.Fprintf(c.w, "%s %s task %d %s: %s\n", stamp, statusIcon(ev.Status), ev.TaskID, status, desc)
	case coordinator.EventLog:
		if ev.Level == coordinator.LevelInfo {
			return
		}
		fmt.Fprintf(c.w, "%s %s: %s\n", stamp, ev.Level, ev.Message)
	case coordinator.EventAllTasksDone:
		fmt.Fprintf(c.w, "%s run finished: %s\n", stamp, c.summaryLocked())
	case coordinator.EventOrchestrationFailed:
		fmt.Fprintf(c.w, "%s run aborted: %s\n", stamp, ev.Error)
	}
}

func (c *Console) summaryLocked() string {
	var done, failed int
	for _, t := range c.view.Tasks {
		switch t.Status {
		case coordinator.StatusCompleted:
			done++
		case coordinator.StatusFailed:
			failed++
		}
	}
	s := fmt.Sprintf("%d completed, %d failed of %d", done, failed, len(c.view.Tasks))
	if st := c.view.Stats; st != nil {
		s += fmt.Sprintf(", %d dispatches in %.1fs", st.DispatchCount, st.ElapsedSeconds)
	}
	return s
}

// Follow renders events from sub until the run's terminal event, the
// subscription closes, or ctx ends.
func (c *Console) Follow(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			e, ok := ev.Payload.(coordinator.Event)
			if !ok {
				continue
			}
			c.Handle(e)
			if e.Kind == coordinator.EventAllTasksDone || e.Kind == coordinator.EventOrchestrationFailed {
				return nil
			}
		}
	}
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
