// Package tui implements `sandpit watch`, a live terminal view of workspace
// lifecycle events.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sandpit/internal/events"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	maxLogLines      = 50
	visibleLogLines  = 10
	reconnectBackoff = 2 * time.Second
	healthInterval   = 5 * time.Second
)

// --- Types ---

// workspaceRow is the monitor's view of one user's workspace.
type workspaceRow struct {
	UserID      string
	Version     string
	Packages    int
	Outcome     string
	Summary     string
	ContentHash string
	Duration    time.Duration
	Updated     time.Time
}

type Model struct {
	apiURL string
	apiKey string

	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	rows     map[string]*workspaceRow
	eventLog []events.Event
	stream   chan events.Event
	lastErr  string
	sweeps   int

	health healthMsg

	table table.Model
}

// NewMonitor builds a monitor against the API at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "User", Width: 18},
			{Title: "Version", Width: 8},
			{Title: "Pkgs", Width: 4},
			{Title: "Hash", Width: 10},
			{Title: "Took", Width: 8},
			{Title: "Last result", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		ctx:    ctx,
		cancel: cancel,
		rows:   make(map[string]*workspaceRow),
		stream: make(chan events.Event, 128),
		table:  t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.stream),
		receiveNextEvent(m.stream),
		func() tea.Msg { return fetchSnapshot(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchHealth(m.apiURL) },
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.table.SetHeight(max(5, m.height/2-4))

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.stream)

	case snapshotMsg:
		m.applySnapshot(msg)
		m.updateTable()

	case healthMsg:
		m.health = msg
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.lastErr = "event stream disconnected; reconnecting"
		return m, tea.Tick(reconnectBackoff, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		m.lastErr = ""
		return m, tea.Batch(
			subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.stream),
			func() tea.Msg { return fetchSnapshot(m.apiURL, m.apiKey) },
		)

	case errMsg:
		m.lastErr = msg.err.Error()
		m.health.Status = "unreachable"
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) applySnapshot(infos []workspace.Info) {
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		seen[info.UserID] = struct{}{}
		row := m.row(info.UserID)
		row.Version = info.Version
		row.Packages = len(info.Packages)
		row.ContentHash = info.ContentHash
		row.Updated = info.LastUsed
		if row.Outcome == "" {
			switch {
			case info.HasDiagnostic:
				row.Outcome = workspace.OutcomeDiagnostic
			case info.HasArtifact:
				row.Outcome = workspace.OutcomeClean
			}
		}
	}
	for id := range m.rows {
		if _, ok := seen[id]; !ok {
			delete(m.rows, id)
		}
	}
}

func (m *Model) row(userID string) *workspaceRow {
	row, ok := m.rows[userID]
	if !ok {
		row = &workspaceRow{UserID: userID}
		m.rows[userID] = row
	}
	return row
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxLogLines {
		m.eventLog = m.eventLog[:maxLogLines]
	}

	if e.Type == events.TypeSwept {
		m.sweeps++
		return
	}

	var data events.WorkspaceEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.UserID == "" {
		return
	}

	switch e.Type {
	case events.TypeProvisioned:
		row := m.row(data.UserID)
		row.Version = data.Version
		row.Packages = len(data.Packages)
		row.Outcome = "provisioned"
		row.Summary = ""
		row.Updated = e.At

	case events.TypeCompiled:
		row := m.row(data.UserID)
		row.Outcome = data.Outcome
		row.Summary = data.Summary
		if data.ContentHash != "" {
			row.ContentHash = data.ContentHash
		}
		row.Duration = time.Duration(data.DurationMS) * time.Millisecond
		if data.Cached {
			row.Outcome = workspace.OutcomeCached
		}
		if data.Version != "" {
			row.Version = data.Version
		}
		if data.Packages != nil {
			row.Packages = len(data.Packages)
		}
		row.Updated = e.At

	case events.TypeFailed:
		row := m.row(data.UserID)
		row.Outcome = "failed"
		row.Summary = data.Error
		row.Updated = e.At

	case events.TypeReleased:
		delete(m.rows, data.UserID)
	}
}

func (m *Model) updateTable() {
	users := make([]string, 0, len(m.rows))
	for id := range m.rows {
		users = append(users, id)
	}
	// Most recently active first.
	sort.Slice(users, func(i, j int) bool {
		a, b := m.rows[users[i]], m.rows[users[j]]
		if !a.Updated.Equal(b.Updated) {
			return a.Updated.After(b.Updated)
		}
		return a.UserID < b.UserID
	})

	rows := make([]table.Row, 0, len(users))
	for _, id := range users {
		rows = append(rows, rowFor(m.rows[id]))
	}
	m.table.SetRows(rows)
}

func rowFor(r *workspaceRow) table.Row {
	statusSym := statusIdle.Render("○")
	switch r.Outcome {
	case workspace.OutcomeClean, workspace.OutcomeCached:
		statusSym = statusOK.Render("●")
	case "provisioned":
		statusSym = statusRunning.Render("◉")
	case workspace.OutcomeDiagnostic:
		statusSym = statusRunning.Render("◑")
	case workspace.OutcomeInfrastructure, "failed":
		statusSym = statusFailed.Render("∅")
	}

	took := "-"
	if r.Duration > 0 {
		took = r.Duration.Round(time.Millisecond).String()
	}
	result := r.Outcome
	if r.Summary != "" {
		result += ": " + r.Summary
	}

	return table.Row{
		statusSym,
		r.UserID,
		r.Version,
		fmt.Sprintf("%d", r.Packages),
		shortHash(r.ContentHash),
		took,
		result,
	}
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	workspaces := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Workspaces"),
			m.table.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	footer := " [q] Quit • [↑/↓] Scroll"
	if m.lastErr != "" {
		footer = statusFailed.Render(" "+m.lastErr) + dimStyle.Render(" •"+footer)
	} else {
		footer = dimStyle.Render(footer)
	}

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			workspaces,
			eventsView,
			footer,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	if m.health.Status != "ok" && m.health.Status != "" {
		status = statusFailed.Render(strings.ToUpper(m.health.Status))
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Workspaces: %d", m.health.Workspaces),
		fmt.Sprintf("Leases: %d  Sweeps: %d", m.health.Leases, m.sweeps),
	}

	cols := make([]string, len(items))
	for i, item := range items {
		cols[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(item)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= visibleLogLines {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-21s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
