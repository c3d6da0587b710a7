package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

// Websocket message types.
const (
	MsgConnectionEstablished = "connection-established"
	MsgCompileFinished       = "compile-finished"
	MsgDependenciesSet       = "dependencies-set"
	MsgConnectionClosed      = "connection-closed"
	MsgInfrastructureError   = "infrastructure-error"

	MsgCompile         = "compile"
	MsgSetDependencies = "set-dependencies"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ClientMessage is anything a client sends over the socket.
type ClientMessage struct {
	Type     string              `json:"type"`
	Version  string              `json:"version,omitempty"`
	Source   string              `json:"source,omitempty"`
	HTML     string              `json:"html,omitempty"`
	Packages *project.PackageSet `json:"packages,omitempty"`
}

// ServerMessage is anything the server sends. A compile-finished message
// carries the CompileResponse fields inline.
type ServerMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	*CompileResponse
	Packages *project.PackageSet `json:"packages,omitempty"`
	Message  string              `json:"message,omitempty"`
	Kind     string              `json:"kind,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	// Browser clients connect from the playground origin; tokens gate access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

func (ss *session) send(msg ServerMessage) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	_ = ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ss.conn.WriteJSON(msg); err != nil {
		ss.logger.Debug("websocket write failed", "error", err)
		return err
	}
	return nil
}

func (ss *session) sendError(kind, message string) error {
	return ss.send(ServerMessage{Type: MsgInfrastructureError, Kind: kind, Message: message})
}

// handleSocket handles GET /v1/workspaces/{user}/socket. The connection's
// lifetime owns the user's workspace: when it ends, the workspace is
// released.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if err := workspace.ValidateUserID(userID); err != nil {
		s.writeWorkspaceError(w, userID, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error. The user's current
		// owner is left in place.
		s.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	owner, endSession := context.WithCancel(context.Background())
	defer endSession()
	if err := s.workspaces.ReleaseAfter(userID, owner); err != nil {
		status, kind := errorStatus(err)
		s.logger.Warn("websocket ownership refused", "user_id", userID, "status", status, "error", err)
		_ = conn.WriteJSON(ServerMessage{Type: MsgInfrastructureError, Kind: kind, Message: err.Error()})
		_ = conn.Close()
		return
	}
	// The socket now owns the workspace; a lease it replaced no longer
	// keeps anything alive.
	s.dropLease(userID)

	ss := &session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
	}
	ss.logger = s.logger.With("user_id", userID, "connection_id", ss.id)
	s.sessionOpened()
	defer s.sessionClosed()
	defer conn.Close()

	ss.logger.Info("websocket session started")
	if err := ss.send(ServerMessage{Type: MsgConnectionEstablished, ConnectionID: ss.id, UserID: userID}); err != nil {
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(ss, stop)

	s.readLoop(owner, ss)
	ss.logger.Info("websocket session ended")
}

func (s *Server) readLoop(ctx context.Context, ss *session) {
	ss.conn.SetReadLimit(maxBodyBytes)
	_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	ss.conn.SetPongHandler(func(string) error {
		return ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ss.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if ss.sendError("bad-request", "invalid JSON message: "+err.Error()) != nil {
				return
			}
			continue
		}
		if err := s.dispatch(ctx, ss, msg); err != nil {
			return
		}
		// Pongs are not read while a compile runs.
		_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// dispatch handles one client message. It returns an error only when the
// connection is no longer writable.
func (s *Server) dispatch(ctx context.Context, ss *session, msg ClientMessage) error {
	switch msg.Type {
	case MsgCompile:
		if !s.allowCompile(ss.userID) {
			return ss.sendError("rate-limited", "compile rate limit exceeded")
		}
		resp, err := s.compile(ctx, ss.userID, CompileRequest{
			Version:  msg.Version,
			Source:   msg.Source,
			HTML:     msg.HTML,
			Packages: msg.Packages,
		})
		if err != nil {
			return s.sendFailure(ss, err)
		}
		return ss.send(ServerMessage{Type: MsgCompileFinished, CompileResponse: resp})

	case MsgSetDependencies:
		if msg.Packages == nil {
			return ss.sendError("bad-request", "packages are required")
		}
		if err := s.workspaces.SetDependencies(ctx, ss.userID, *msg.Packages); err != nil {
			return s.sendFailure(ss, err)
		}
		return ss.send(ServerMessage{Type: MsgDependenciesSet, Packages: msg.Packages})

	default:
		return ss.sendError("bad-request", "unknown message type "+msg.Type)
	}
}

func (s *Server) sendFailure(ss *session, err error) error {
	status, kind := errorStatus(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		ss.logger.Error("websocket request failed", "kind", kind, "error", err)
	}
	return ss.sendError(kind, err.Error())
}

// keepAlive pings the client and closes the session on server shutdown.
func (s *Server) keepAlive(ss *session, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.closing:
			_ = ss.send(ServerMessage{Type: MsgConnectionClosed, Message: "server shutting down"})
			_ = ss.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(writeWait))
			_ = ss.conn.Close()
			return
		case <-ticker.C:
			if err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = ss.conn.Close()
				return
			}
		}
	}
}

func (s *Server) sessionOpened() {
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}
}

func (s *Server) sessionClosed() {
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
}
