package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sandpit/internal/events"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

func wsEvent(t *testing.T, id int64, typ string, data any) events.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Unix(id, 0), Data: raw}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: workspace.compiled",
		`data: {"user_id":"alice"}`,
		"",
		"id: 8",
		"event: workspace.released",
		`data: {"user_id":"bob"}`,
		"",
		"id: 9",
		"event: partial",
	}, "\n")

	var got []events.Event
	require.NoError(t, readSSE(strings.NewReader(stream), func(ev events.Event) { got = append(got, ev) }))
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.TypeCompiled, got[0].Type)
	assert.JSONEq(t, `{"user_id":"alice"}`, string(got[0].Data))
	assert.Equal(t, events.TypeReleased, got[1].Type)
}

func TestHandleEventLifecycle(t *testing.T) {
	m := NewMonitor("http://example.test", "k")
	defer m.cancel()

	m.handleEvent(wsEvent(t, 1, events.TypeProvisioned, events.WorkspaceEvent{
		UserID: "alice", Version: "0.19.1", Packages: []string{"elm/core@1.0.5", "elm/html@1.0.0"},
	}))
	require.Contains(t, m.rows, "alice")
	assert.Equal(t, 2, m.rows["alice"].Packages)
	assert.Equal(t, "provisioned", m.rows["alice"].Outcome)

	m.handleEvent(wsEvent(t, 2, events.TypeCompiled, events.WorkspaceEvent{
		UserID: "alice", Outcome: workspace.OutcomeDiagnostic, Summary: "src/Main.elm:1:1 TYPE MISMATCH",
		ContentHash: "abcdef0123456789", DurationMS: 250,
	}))
	row := m.rows["alice"]
	assert.Equal(t, workspace.OutcomeDiagnostic, row.Outcome)
	assert.Equal(t, 250*time.Millisecond, row.Duration)

	m.handleEvent(wsEvent(t, 3, events.TypeCompiled, events.WorkspaceEvent{UserID: "alice", Outcome: workspace.OutcomeClean, Cached: true}))
	assert.Equal(t, workspace.OutcomeCached, m.rows["alice"].Outcome)

	m.handleEvent(wsEvent(t, 4, events.TypeFailed, events.WorkspaceEvent{UserID: "bob", Error: "install failed"}))
	assert.Equal(t, "install failed", m.rows["bob"].Summary)

	m.handleEvent(wsEvent(t, 5, events.TypeSwept, events.SweepEvent{Removed: []string{"ghost"}}))
	assert.Equal(t, 1, m.sweeps)

	m.updateTable()
	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "bob", rows[0][1], "most recent first")
	assert.Equal(t, "abcdef0123", rows[1][4])

	m.handleEvent(wsEvent(t, 6, events.TypeReleased, events.WorkspaceEvent{UserID: "alice", Reason: "released"}))
	assert.NotContains(t, m.rows, "alice")
	assert.Len(t, m.eventLog, 6)
}

func TestApplySnapshotDropsMissingRows(t *testing.T) {
	m := NewMonitor("http://example.test", "k")
	defer m.cancel()
	m.row("stale")

	m.applySnapshot([]workspace.Info{{UserID: "carol", Version: "0.19.1", Packages: []string{"elm/core@1.0.5"}, HasArtifact: true}})
	assert.NotContains(t, m.rows, "stale")
	assert.Equal(t, workspace.OutcomeClean, m.rows["carol"].Outcome)
}

func TestFetchSnapshotAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":12,"workspaces":1,"leases":0}`))
		case "/v1/workspaces":
			if r.Header.Get("Authorization") != "Bearer k" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"workspaces":[{"user_id":"alice","version":"0.19.1","packages":[]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h, ok := fetchHealth(srv.URL).(healthMsg)
	require.True(t, ok)
	assert.Equal(t, int64(12), h.UptimeSeconds)

	snap, ok := fetchSnapshot(srv.URL, "k").(snapshotMsg)
	require.True(t, ok)
	require.Len(t, snap, 1)
	assert.Equal(t, "alice", snap[0].UserID)

	_, isErr := fetchSnapshot(srv.URL, "wrong").(errMsg)
	assert.True(t, isErr)
}

func TestViewRenders(t *testing.T) {
	m := NewMonitor("http://example.test", "k")
	defer m.cancel()
	assert.Equal(t, "Initializing...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	view := next.(Model).View()
	assert.Contains(t, view, "Workspaces")
	assert.Contains(t, view, "No events yet")
}
