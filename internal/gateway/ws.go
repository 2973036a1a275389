package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opsprobe-dev/opsprobe/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Viewer origin policy is enforced by the fronting proxy
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the registry's Conn interface.
// gorilla/websocket permits one concurrent writer, so writes serialize
// through the mutex.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) WriteMessage(msg models.PushMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// clientMessage is the inbound frame from a viewer
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(err, "websocket upgrade failed")
		return
	}

	conn := &wsConn{ws: ws}
	sessionID := r.URL.Query().Get("session_id")

	// History replays from the durable store before the live subscription
	// attaches, so a reconnecting viewer sees every stored event first.
	if sessionID != "" {
		if err := s.replayHistory(r.Context(), conn, sessionID); err != nil {
			s.logger.Error(err, "history replay failed", "session", sessionID)
		}
	}

	connID, sessionID := s.registry.Register(conn, sessionID)
	log := s.logger.WithValues("conn", connID, "session", sessionID)

	s.registry.Deliver(connID, models.NewPushMessage(models.PushConnectionEstablished, map[string]string{
		"session_id":    sessionID,
		"connection_id": connID,
	}))

	defer s.registry.Unregister(connID)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.V(1).Info("websocket closed unexpectedly", "error", err.Error())
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(connID, "malformed message")
			continue
		}

		s.dispatch(r.Context(), connID, sessionID, msg)
	}
}

func (s *Server) replayHistory(ctx context.Context, conn *wsConn, sessionID string) error {
	events, err := s.store.EventsSince(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := conn.WriteMessage(models.PushFromEvent(ev)); err != nil {
			return err
		}
	}
	return nil
}
