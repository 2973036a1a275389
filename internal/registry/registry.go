package registry

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/opsprobe-dev/opsprobe/internal/bus"
	"github.com/opsprobe-dev/opsprobe/internal/metrics"
	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// Conn is one live, addressable viewer channel. Implementations must be
// safe for concurrent writes.
type Conn interface {
	WriteMessage(msg models.PushMessage) error
	Close() error
}

type connection struct {
	id        string
	sessionID string
	conn      Conn
	lastPush  time.Time
}

type sessionSub struct {
	sub   *bus.Subscription
	done  chan struct{}
	conns map[string]struct{}
}

// Registry tracks every live viewer connection, forwards bus events to the
// connections watching each session, and reaps dead connections via a
// periodic liveness ping.
type Registry struct {
	bus               *bus.Bus
	heartbeatInterval time.Duration
	logger            logr.Logger

	mu       sync.Mutex
	conns    map[string]*connection
	sessions map[string]*sessionSub
}

// New creates a registry attached to the event bus
func New(eventBus *bus.Bus, heartbeatInterval time.Duration, logger logr.Logger) *Registry {
	return &Registry{
		bus:               eventBus,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.WithName("registry"),
		conns:             make(map[string]*connection),
		sessions:          make(map[string]*sessionSub),
	}
}

// Register adds a connection watching the given session. An empty session
// id gets a generated one. The first connection per session attaches a bus
// subscription; its events fan out to every connection on that session.
func (r *Registry) Register(conn Conn, sessionID string) (connID, assignedSession string) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	connID = uuid.NewString()

	c := &connection{
		id:        connID,
		sessionID: sessionID,
		conn:      conn,
		lastPush:  time.Now(),
	}

	r.mu.Lock()
	r.conns[connID] = c

	ss, ok := r.sessions[sessionID]
	if !ok {
		ss = &sessionSub{
			sub:   r.bus.Subscribe(bus.SessionChannel(sessionID)),
			done:  make(chan struct{}),
			conns: make(map[string]struct{}),
		}
		r.sessions[sessionID] = ss
		go r.forward(sessionID, ss)
	}
	ss.conns[connID] = struct{}{}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.SetLiveConnections(total)
	r.logger.Info("connection registered", "conn", connID, "session", sessionID, "total", total)
	return connID, sessionID
}

// Deliver pushes one message to a connection. A delivery failure means the
// transport is gone; the connection is unregistered immediately, never
// retried.
func (r *Registry) Deliver(connID string, msg models.PushMessage) bool {
	r.mu.Lock()
	c, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := c.conn.WriteMessage(msg); err != nil {
		r.logger.V(1).Info("delivery failed, dropping connection", "conn", connID, "error", err.Error())
		r.Unregister(connID)
		return false
	}

	r.mu.Lock()
	c.lastPush = time.Now()
	r.mu.Unlock()
	return true
}

// Broadcast delivers a message to every connection watching the session
func (r *Registry) Broadcast(sessionID string, msg models.PushMessage) {
	r.mu.Lock()
	var ids []string
	if ss, ok := r.sessions[sessionID]; ok {
		for id := range ss.conns {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Deliver(id, msg)
	}
}

// Unregister drops the connection and, when it was the session's last
// viewer, detaches the session's bus subscription.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	var detach *sessionSub
	if ss, ok := r.sessions[c.sessionID]; ok {
		delete(ss.conns, connID)
		if len(ss.conns) == 0 {
			delete(r.sessions, c.sessionID)
			detach = ss
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	_ = c.conn.Close()
	if detach != nil {
		close(detach.done)
		r.bus.Unsubscribe(detach.sub)
	}

	metrics.SetLiveConnections(total)
	r.logger.Info("connection unregistered", "conn", connID, "session", c.sessionID, "total", total)
}

// ConnectionCount reports the number of live connections
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SessionConnections reports how many connections watch a session
func (r *Registry) SessionConnections(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ss, ok := r.sessions[sessionID]; ok {
		return len(ss.conns)
	}
	return 0
}

// Run sends the periodic liveness ping on every registered connection,
// independent of workflow activity, until the context is cancelled. Dead
// transports fail the ping delivery and get reaped.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return ctx.Err()
		case <-ticker.C:
			msg := models.NewPushMessage(models.PushHeartbeat, nil)
			r.mu.Lock()
			ids := make([]string, 0, len(r.conns))
			for id := range r.conns {
				ids = append(ids, id)
			}
			r.mu.Unlock()

			for _, id := range ids {
				r.Deliver(id, msg)
			}
		}
	}
}

// forward pumps bus events for one session out to its connections
func (r *Registry) forward(sessionID string, ss *sessionSub) {
	for {
		select {
		case <-ss.done:
			return
		case ev, ok := <-ss.sub.C:
			if !ok {
				return
			}
			r.Broadcast(sessionID, models.PushFromEvent(ev))
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(id)
	}
}
