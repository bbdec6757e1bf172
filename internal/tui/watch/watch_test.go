package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/flux/internal/events"
)

func buildEvent(t *testing.T, typ string, at time.Time, be events.BuildEvent) events.Event {
	t.Helper()
	data, err := json.Marshal(be)
	require.NoError(t, err)
	return events.Event{Type: typ, At: at, Data: data}
}

func TestUpdateBuildStateLifecycle(t *testing.T) {
	builds := map[string]*BuildState{}
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	updateBuildState(builds, buildEvent(t, events.BuildEnqueued, t0, events.BuildEvent{
		BuildID: "b1", Repository: "acme/widgets", Num: 4, Status: "pending", Ref: "refs/heads/main", Commit: "0123456789abcdef",
	}))
	require.Contains(t, builds, "b1")
	assert.True(t, builds["b1"].Active())
	assert.Equal(t, t0, builds["b1"].Enqueued)

	updateBuildState(builds, buildEvent(t, events.BuildStarted, t0.Add(time.Second), events.BuildEvent{
		BuildID: "b1", Repository: "acme/widgets", Num: 4, Status: "running",
	}))
	assert.Equal(t, "running", builds["b1"].Status)
	assert.Equal(t, "refs/heads/main", builds["b1"].Ref, "ref survives events that omit it")

	code := 2
	updateBuildState(builds, buildEvent(t, events.BuildFinished, t0.Add(31*time.Second), events.BuildEvent{
		BuildID: "b1", Repository: "acme/widgets", Num: 4, Status: "failed", Reason: "script_failed", ExitCode: &code,
	}))
	b := builds["b1"]
	assert.False(t, b.Active())
	assert.Equal(t, "script_failed", b.Reason)
	assert.Equal(t, 30*time.Second, b.Duration(time.Now()))
}

func TestUpdateBuildStateIgnoresOtherEvents(t *testing.T) {
	builds := map[string]*BuildState{}
	updateBuildState(builds, events.Event{Type: events.JanitorSwept, Data: []byte(`{"deleted_dirs":1}`)})
	updateBuildState(builds, events.Event{Type: events.BuildStarted, Data: []byte(`not json`)})
	updateBuildState(builds, events.Event{Type: events.BuildStarted, Data: []byte(`{"repository":"x/y"}`)})
	assert.Empty(t, builds)
}

func TestPruneKeepsActiveBuilds(t *testing.T) {
	builds := map[string]*BuildState{}
	base := time.Now()
	for i := 0; i < maxTableRows+10; i++ {
		id := "done-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		builds[id] = &BuildState{ID: id, Status: "success", Finished: base.Add(time.Duration(i) * time.Second)}
	}
	builds["live"] = &BuildState{ID: "live", Status: "running"}

	pruneFinished(builds)
	assert.Len(t, builds, maxTableRows)
	assert.Contains(t, builds, "live")
}

func TestSortedBuilds(t *testing.T) {
	now := time.Now()
	builds := map[string]*BuildState{
		"old":     {ID: "old", Status: "success", Finished: now.Add(-time.Hour)},
		"new":     {ID: "new", Status: "failed", Finished: now},
		"queued2": {ID: "queued2", Status: "pending", Enqueued: now},
		"queued1": {ID: "queued1", Status: "pending", Enqueued: now.Add(-time.Minute)},
		"running": {ID: "running", Status: "running", Started: now},
	}

	var ids []string
	for _, b := range sortedBuilds(builds) {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"running", "queued1", "queued2", "new", "old"}, ids)
}

func TestBuildRows(t *testing.T) {
	code := 3
	start := time.Now().Add(-90 * time.Second)
	rows := buildRows([]*BuildState{{
		Repository: "acme/widgets", Num: 12, Status: "failed", Reason: "script_failed", ExitCode: &code,
		Ref: "refs/heads/main", Commit: "0123456789abcdef", Started: start, Finished: start.Add(75 * time.Second),
	}}, time.Now())

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"acme/widgets", "12", "failed", "script_failed (3)", "main", "0123456", "1m 15s"}, []string(rows[0]))
}

func TestExtractEventDesc(t *testing.T) {
	e := buildEvent(t, events.BuildFinished, time.Now(), events.BuildEvent{
		BuildID: "b", Repository: "acme/widgets", Num: 3, Status: "failed", Reason: "timeout", Commit: "abcdef0123",
	})
	assert.Equal(t, "acme/widgets #3 failed (timeout) abcdef0", extractEventDesc(e))

	sweep := events.Event{Type: events.JanitorSwept, Data: []byte(`{"deleted_dirs":2,"deleted_logs":3}`)}
	assert.Equal(t, "removed 2 workspace(s), 3 log(s)", extractEventDesc(sweep))

	raw := events.Event{Type: "other", Data: []byte(strings.Repeat("x", 80))}
	assert.Equal(t, strings.Repeat("x", 60)+"...", extractEventDesc(raw))
}

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: build.started",
		`data: {"build_id":"b1"}`,
		"",
		"id: 8",
		"event: janitor.swept",
		`data: {"deleted_dirs":1}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	readEvents(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.BuildStarted, got[0].Type)
	assert.JSONEq(t, `{"build_id":"b1"}`, string(got[0].Data))
	assert.Equal(t, int64(8), got[1].ID)
}

func TestSubscribeToEvents(t *testing.T) {
	var gotAuth, gotLastID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotLastID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 5\nevent: build.enqueued\ndata: {\"build_id\":\"b\"}\n\n"))
	}))
	defer srv.Close()

	ch := make(chan events.Event, 1)
	msg := subscribeToEvents(srv.URL, "k3y", 4, ch)()

	assert.IsType(t, sseDisconnectedMsg{}, msg)
	assert.Equal(t, "Bearer k3y", gotAuth)
	assert.Equal(t, "4", gotLastID)
	e := <-ch
	assert.Equal(t, int64(5), e.ID)
}

func TestSubscribeToEventsRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	}))
	defer srv.Close()

	msg := subscribeToEvents(srv.URL, "wrong", 0, make(chan events.Event, 1))()
	require.IsType(t, streamErrMsg{}, msg)
	assert.ErrorIs(t, msg.(streamErrMsg).err, errUnauthorized)
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":61,"queue_depth":2,"running":1,"workers":4,"database":"ok"}`))
	}))
	defer srv.Close()

	msg := fetchHealth(srv.URL)
	require.IsType(t, healthMsg{}, msg)
	h := msg.(healthMsg)
	assert.Equal(t, 2, h.QueueDepth)
	assert.Equal(t, 4, h.Workers)
}

func TestModelAppliesEvents(t *testing.T) {
	m := New("http://flux.invalid", "key")

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model := next.(Model)

	e := buildEvent(t, events.BuildStarted, time.Now(), events.BuildEvent{BuildID: "b1", Repository: "acme/widgets", Num: 1, Status: "running"})
	e.ID = 9
	next, cmd := model.Update(eventMsg(e))
	model = next.(Model)

	assert.NotNil(t, cmd)
	assert.Equal(t, int64(9), model.lastEventID)
	assert.True(t, model.health.Connected)
	require.Len(t, model.buildTable.Rows(), 1)
	assert.Equal(t, "acme/widgets", model.buildTable.Rows()[0][0])
	assert.Contains(t, model.View(), "FLUX WATCH")
	assert.Contains(t, model.View(), "acme/widgets")

	next, _ = model.Update(streamErrMsg{errUnauthorized})
	model = next.(Model)
	assert.False(t, model.health.Connected)
	assert.Contains(t, model.View(), "check api_key")

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
