package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskflow/internal/coordinator"
)

// logLine is one entry of the recent-log panel.
type logLine struct {
	At      time.Time
	Level   coordinator.LogLevel
	Message string
}

// logFeed keeps the last maxItems log events of a run.
type logFeed struct {
	items    []logLine
	maxItems int
}

func newLogFeed(maxItems int) logFeed {
	if maxItems <= 0 {
		maxItems = 8
	}
	return logFeed{maxItems: maxItems}
}

func (f *logFeed) add(l logLine) {
	f.items = append(f.items, l)
	if len(f.items) > f.maxItems {
		f.items = f.items[len(f.items)-f.maxItems:]
	}
}

func (f *logFeed) len() int { return len(f.items) }

func (f *logFeed) view(width int) string {
	if len(f.items) == 0 {
		return dimStyle.Render("(no log events yet)") + "\n"
	}
	var out strings.Builder
	for _, it := range f.items {
		msg := it.Message
		if width > 20 && len(msg) > width-12 {
			msg = msg[:width-15] + "..."
		}
		line := fmt.Sprintf("%s %-5s %s", it.At.Format("15:04:05"), it.Level, msg)
		out.WriteString(levelStyle(it.Level).Render(line) + "\n")
	}
	return out.String()
}
