package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskflow/internal/coordinator"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

func statusIcon(s coordinator.Status) string {
	switch s {
	case coordinator.StatusInProgress:
		return "◐"
	case coordinator.StatusCompleted:
		return "✓"
	case coordinator.StatusFailed:
		return "✗"
	default:
		return "○"
	}
}

func statusStyle(s coordinator.Status) lipgloss.Style {
	switch s {
	case coordinator.StatusInProgress:
		return runningStyle
	case coordinator.StatusCompleted:
		return doneStyle
	case coordinator.StatusFailed:
		return failedStyle
	default:
		return pendingStyle
	}
}

func levelStyle(l coordinator.LogLevel) lipgloss.Style {
	switch l {
	case coordinator.LevelWarn:
		return warnStyle
	case coordinator.LevelError:
		return failedStyle
	default:
		return dimStyle
	}
}
