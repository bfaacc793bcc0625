package tui

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskflow/internal/coordinator"
)

// WriteSummary prints the final task table of a report. Styles are only
// applied when color is true.
func WriteSummary(w io.Writer, report *coordinator.Report, color bool) {
	if report == nil {
		return
	}
	render := func(st lipgloss.Style, s string) string {
		if color {
			return st.Render(s)
		}
		return s
	}

	fmt.Fprintf(w, "\nrun %s: %s\n", report.RunID, render(runStyle(report.State), string(report.State)))
	for _, t := range report.Tasks {
		line := fmt.Sprintf("  %s %-4d %-12s tries=%d  %s", statusIcon(t.Status), t.ID, t.Status, t.Attempts(), t.Description)
		if t.Result != nil && t.Result.Message != "" {
			line += " | " + firstLine(t.Result.Message)
		}
		fmt.Fprintln(w, render(statusStyle(t.Status), line))
	}
	if len(report.Blocked) > 0 {
		ids := make([]int, 0, len(report.Blocked))
		for id := range report.Blocked {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintln(w, render(warnStyle, fmt.Sprintf("  task %d never ran: upstream task(s) %s failed", id, joinIDs(report.Blocked[id]))))
		}
	}
	st := report.Stats
	fmt.Fprintf(w, "%d/%d completed, %d failed, %d dispatches, %.1fs\n",
		st.TasksCompleted, st.TasksTotal, st.TasksFailed, st.DispatchCount, st.ElapsedSeconds)
}

func runStyle(s coordinator.RunState) lipgloss.Style {
	if s == coordinator.StateDone {
		return doneStyle
	}
	return failedStyle
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
