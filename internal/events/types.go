package events

// Workspace lifecycle event types.
const (
	TypeProvisioned = "workspace.provisioned"
	TypeCompiled    = "workspace.compiled"
	TypeFailed      = "workspace.failed"
	TypeReleased    = "workspace.released"
	TypeSwept       = "workspace.swept"
)

// Publisher is the producer side of the stream.
type Publisher interface {
	Publish(eventType string, data any)
}

// UserScoped payloads are routed to per-user subscribers.
type UserScoped interface {
	EventUser() string
}

// WorkspaceEvent is the payload of every workspace.* event.
type WorkspaceEvent struct {
	UserID      string   `json:"user_id"`
	Version     string   `json:"version,omitempty"`
	Packages    []string `json:"packages,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
	Cached      bool     `json:"cached,omitempty"`
	Outcome     string   `json:"outcome,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Problems    int      `json:"problems,omitempty"`
	DurationMS  int64    `json:"duration_ms,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (e WorkspaceEvent) EventUser() string { return e.UserID }

// SweepEvent reports an orphan sweep that removed something.
type SweepEvent struct {
	Removed []string `json:"removed"`
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(string, any) {}
