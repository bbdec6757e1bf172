package watch

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/flux/internal/events"
)

const (
	maxEventLog     = 50
	healthInterval  = 5 * time.Second
	reconnectDelay  = 3 * time.Second
	refusedDelay    = 30 * time.Second
	defaultRowSpace = 10
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health      HealthState
	builds      map[string]*BuildState
	eventLog    []events.Event
	lastEventID int64

	buildTable table.Model
	ticker     Ticker
	spinner    Spinner
	theme      Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		apiURL:     apiURL,
		apiKey:     apiKey,
		builds:     make(map[string]*BuildState),
		eventLog:   make([]events.Event, 0),
		hubEvents:  make(chan events.Event, 100),
		buildTable: newBuildTable(theme),
		ticker:     NewTicker(),
		spinner:    NewSpinner(),
		theme:      theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.buildTable.SetWidth(msg.Width - 6)
		rows := msg.Height - 24
		if rows < defaultRowSpace/2 {
			rows = defaultRowSpace / 2
		}
		m.buildTable.SetHeight(rows)
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.applyEvent(e)
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.Running = msg.Running
		m.health.Workers = msg.Workers
		m.health.Database = msg.Database
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		return m, m.scheduleHealth()

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the channel and
		// picks up events from the new subscription.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case streamErrMsg:
		m.health.Connected = false
		m.lastError = msg.err.Error()
		delay := reconnectDelay
		if errors.Is(msg.err, errUnauthorized) {
			delay = refusedDelay
		}
		return m, tea.Tick(delay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.scheduleHealth()
	}

	var cmd tea.Cmd
	m.buildTable, cmd = m.buildTable.Update(msg)
	return m, cmd
}

func (m *Model) applyEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	if e.ID > m.lastEventID {
		m.lastEventID = e.ID
	}

	m.spinner.OnEvent()
	updateBuildState(m.builds, e)
	m.refreshTable()

	m.health.Connected = true
	m.lastError = ""
}

func (m *Model) refreshTable() {
	m.buildTable.SetRows(buildRows(sortedBuilds(m.builds), time.Now()))
}

func (m Model) scheduleHealth() tea.Cmd {
	apiURL := m.apiURL
	return tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(apiURL) })
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to flux..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	builds := renderBuilds(m.buildTable, len(m.builds), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll Builds")

	parts := []string{header, builds, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
