package watch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/flux/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Running       int    `json:"running"`
	Workers       int    `json:"workers"`
	Database      string `json:"database"`
}

type tickMsg time.Time

type errMsg error

// streamErrMsg reports a refused or failed /events connection.
type streamErrMsg struct{ err error }

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// errUnauthorized is reported when the server turns the api key away.
var errUnauthorized = errors.New("events stream refused; check api_key")

// streamClient never follows redirects: the server answers a missing or
// unknown key with a redirect to its login page.
var streamClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

// --- Commands ---

// subscribeToEvents connects to /events and feeds events into ch until the
// stream drops. lastID resumes after the last event already seen.
func subscribeToEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Accept", "text/event-stream")
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := streamClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusSeeOther:
			return streamErrMsg{errUnauthorized}
		case resp.StatusCode != http.StatusOK:
			return streamErrMsg{fmt.Errorf("events stream: %s", resp.Status)}
		}

		readEvents(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readEvents parses server-sent events until the scanner ends. Comment
// lines (keep-alives) are skipped.
func readEvents(scanner *bufio.Scanner, ch chan<- events.Event) {
	var current events.Event
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				current.At = time.Now()
				current.Data = json.RawMessage(data.String())
				ch <- current
			}
			current = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the unauthenticated /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(fmt.Errorf("decode health: %w", err))
	}
	return h
}
