package watch

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/flux/internal/events"
)

// maxTableRows bounds the build table; older finished builds drop off.
const maxTableRows = 50

// BuildState tracks one build discovered from events.
type BuildState struct {
	ID         string
	Repository string
	Num        int64
	Status     string
	Reason     string
	ExitCode   *int
	Ref        string
	Commit     string
	Enqueued   time.Time
	Started    time.Time
	Finished   time.Time
}

// Active reports whether the build is still pending or running.
func (b *BuildState) Active() bool {
	return b.Status == "pending" || b.Status == "running"
}

// Duration is how long the build has run, or ran.
func (b *BuildState) Duration(now time.Time) time.Duration {
	switch {
	case b.Started.IsZero():
		return 0
	case b.Finished.IsZero():
		return now.Sub(b.Started)
	default:
		return b.Finished.Sub(b.Started)
	}
}

// updateBuildState applies a build.* event. Events for builds first seen
// mid-flight (after a reconnect) create the entry from whatever they carry.
func updateBuildState(builds map[string]*BuildState, e events.Event) {
	switch e.Type {
	case events.BuildEnqueued, events.BuildStarted, events.BuildFinished:
	default:
		return
	}

	var data events.BuildEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.BuildID == "" {
		return
	}

	b, ok := builds[data.BuildID]
	if !ok {
		b = &BuildState{ID: data.BuildID}
		builds[data.BuildID] = b
	}
	b.Repository = data.Repository
	b.Num = data.Num
	b.Status = data.Status
	b.Reason = data.Reason
	b.ExitCode = data.ExitCode
	if data.Ref != "" {
		b.Ref = data.Ref
	}
	if data.Commit != "" {
		b.Commit = data.Commit
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	switch e.Type {
	case events.BuildEnqueued:
		b.Enqueued = at
	case events.BuildStarted:
		b.Started = at
	case events.BuildFinished:
		if b.Started.IsZero() {
			b.Started = at
		}
		b.Finished = at
	}

	pruneFinished(builds)
}

// pruneFinished drops the oldest finished builds beyond maxTableRows.
func pruneFinished(builds map[string]*BuildState) {
	if len(builds) <= maxTableRows {
		return
	}
	var finished []*BuildState
	for _, b := range builds {
		if !b.Active() {
			finished = append(finished, b)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Finished.Before(finished[j].Finished) })
	for _, b := range finished {
		if len(builds) <= maxTableRows {
			return
		}
		delete(builds, b.ID)
	}
}

// sortedBuilds orders running builds first, then pending in admission
// order, then finished builds newest first.
func sortedBuilds(builds map[string]*BuildState) []*BuildState {
	out := make([]*BuildState, 0, len(builds))
	for _, b := range builds {
		out = append(out, b)
	}
	rank := func(b *BuildState) int {
		switch b.Status {
		case "running":
			return 0
		case "pending":
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if rank(a) != rank(b) {
			return rank(a) < rank(b)
		}
		switch rank(a) {
		case 0:
			return a.Started.Before(b.Started)
		case 1:
			return a.Enqueued.Before(b.Enqueued)
		default:
			if !a.Finished.Equal(b.Finished) {
				return a.Finished.After(b.Finished)
			}
			return a.ID < b.ID
		}
	})
	return out
}

func newBuildTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Repository", Width: 28},
			{Title: "#", Width: 6},
			{Title: "Status", Width: 9},
			{Title: "Reason", Width: 16},
			{Title: "Ref", Width: 18},
			{Title: "Commit", Width: 8},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(theme.Table)
	return t
}

func buildRows(builds []*BuildState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(builds))
	for _, b := range builds {
		reason := b.Reason
		if b.ExitCode != nil && *b.ExitCode != 0 {
			reason += " (" + strconv.Itoa(*b.ExitCode) + ")"
		}
		duration := "-"
		if d := b.Duration(now); d > 0 {
			duration = formatDuration(d)
		}
		rows = append(rows, table.Row{
			b.Repository,
			strconv.FormatInt(b.Num, 10),
			b.Status,
			reason,
			shortRef(b.Ref),
			shortCommit(b.Commit),
			duration,
		})
	}
	return rows
}

func renderBuilds(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	if count == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("BUILDS"),
			theme.Dim.Render("  No build activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("BUILDS"),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func shortRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func shortCommit(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
