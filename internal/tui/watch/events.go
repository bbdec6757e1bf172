package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/flux/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 8 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.BuildFinished:
		typeStyle = theme.StatusStyle(eventStatus(e))
	case events.BuildStarted:
		typeStyle = theme.StatusRunning
	case events.JanitorSwept:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func eventStatus(e events.Event) string {
	var data struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(e.Data, &data)
	return data.Status
}

func extractEventDesc(e events.Event) string {
	switch e.Type {
	case events.BuildEnqueued, events.BuildStarted, events.BuildFinished:
		var b events.BuildEvent
		if err := json.Unmarshal(e.Data, &b); err == nil && b.Repository != "" {
			desc := fmt.Sprintf("%s #%d %s", b.Repository, b.Num, b.Status)
			if b.Reason != "" {
				desc += " (" + b.Reason + ")"
			}
			if b.Commit != "" {
				desc += " " + shortCommit(b.Commit)
			}
			return desc
		}
	case events.JanitorSwept:
		var s struct {
			DeletedDirs int `json:"deleted_dirs"`
			DeletedLogs int `json:"deleted_logs"`
		}
		if err := json.Unmarshal(e.Data, &s); err == nil {
			return fmt.Sprintf("removed %d workspace(s), %d log(s)", s.DeletedDirs, s.DeletedLogs)
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
