package store

import (
	"sync"
	"time"

	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// SessionCache is the fast session store. Entries expire after an
// inactivity TTL; the durable event history outlives them, so an expired
// session can always be reconstructed from the Store.
type SessionCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]sessionEntry
}

type sessionEntry struct {
	session   models.Session
	expiresAt time.Time
}

// NewSessionCache creates a cache with the given inactivity TTL
func NewSessionCache(ttl time.Duration) *SessionCache {
	return &SessionCache{
		ttl:     ttl,
		entries: make(map[string]sessionEntry),
	}
}

// Create registers a new session and returns it
func (c *SessionCache) Create(sessionID, userID string) models.Session {
	now := time.Now()
	sess := models.Session{
		ID:             sessionID,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		Phase:          models.PhaseInit,
	}

	c.mu.Lock()
	c.entries[sessionID] = sessionEntry{session: sess, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return sess
}

// Get returns the session if present and not expired
func (c *SessionCache) Get(sessionID string) (models.Session, bool) {
	c.mu.RLock()
	e, ok := c.entries[sessionID]
	c.mu.RUnlock()
	if !ok {
		return models.Session{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, sessionID)
		c.mu.Unlock()
		return models.Session{}, false
	}
	return e.session, true
}

// Update applies a mutation to the session and refreshes its TTL
func (c *SessionCache) Update(sessionID string, fn func(*models.Session)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	fn(&e.session)
	e.session.LastActivityAt = time.Now()
	e.expiresAt = time.Now().Add(c.ttl)
	c.entries[sessionID] = e
	return true
}

// Touch refreshes the TTL without mutating the session
func (c *SessionCache) Touch(sessionID string) bool {
	return c.Update(sessionID, func(*models.Session) {})
}

// Delete removes the session from the fast store
func (c *SessionCache) Delete(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionID]; !ok {
		return false
	}
	delete(c.entries, sessionID)
	return true
}
