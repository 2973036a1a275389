package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/opsprobe-dev/opsprobe/internal/apperrors"
	"github.com/opsprobe-dev/opsprobe/internal/metrics"
	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// Outcome is how a confirmation wait ended
type Outcome struct {
	Response   models.ConfirmationResponse
	Resolution models.Resolution
}

// Ticket is a registered confirmation awaiting resolution. Registration
// and the blocking wait are separate so the request can be announced to
// viewers while it is already resolvable.
type Ticket struct {
	req models.ConfirmationRequest
	ch  chan Outcome
}

// Gate suspends workflow progress until a matching external response
// arrives or a timeout fires. The wait is a channel receive completed
// directly by the resolving call; there is no poll loop.
type Gate struct {
	logger logr.Logger

	mu        sync.Mutex
	pending   map[string]*Ticket
	bySession map[string]string
}

// NewGate creates a confirmation gate
func NewGate(logger logr.Logger) *Gate {
	return &Gate{
		logger:    logger.WithName("confirm"),
		pending:   make(map[string]*Ticket),
		bySession: make(map[string]string),
	}
}

// Register makes the confirmation resolvable. Exactly one request may be
// pending per session. The request announcement can go out between
// Register and Wait; a response landing in that window is buffered.
func (g *Gate) Register(req models.ConfirmationRequest) (*Ticket, error) {
	t := &Ticket{
		req: req,
		ch:  make(chan Outcome, 1),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.bySession[req.SessionID]; ok {
		return nil, apperrors.New(apperrors.ErrCodeConfirmationPending,
			fmt.Sprintf("session %s already has pending confirmation %s", req.SessionID, existing), nil)
	}
	g.pending[req.ID] = t
	g.bySession[req.SessionID] = req.ID
	return t, nil
}

// Wait blocks the calling workflow until the ticket is resolved, times
// out, or the context is cancelled.
func (g *Gate) Wait(ctx context.Context, t *Ticket) (Outcome, error) {
	defer g.remove(t.req.ID)

	timer := time.NewTimer(t.req.Timeout)
	defer timer.Stop()

	select {
	case out := <-t.ch:
		metrics.ObserveConfirmation(string(out.Resolution))
		return out, nil
	case <-timer.C:
		g.logger.Info("confirmation timed out, applying default",
			"confirmation", t.req.ID, "default", t.req.DefaultOption)
		metrics.ObserveConfirmation(string(models.ResolutionTimeout))
		return Outcome{
			Response:   models.ConfirmationResponse{Action: t.req.DefaultOption},
			Resolution: models.ResolutionTimeout,
		}, nil
	case <-ctx.Done():
		metrics.ObserveConfirmation(string(models.ResolutionCancelled))
		return Outcome{
			Response:   models.ConfirmationResponse{Action: t.req.DefaultOption},
			Resolution: models.ResolutionCancelled,
		}, nil
	}
}

// Request registers the confirmation and blocks until it resolves
func (g *Gate) Request(ctx context.Context, req models.ConfirmationRequest) (Outcome, error) {
	t, err := g.Register(req)
	if err != nil {
		return Outcome{}, err
	}
	return g.Wait(ctx, t)
}

// Resolve completes the pending request with the given id. It returns true
// when the id matched a pending request; stale and unknown ids are
// rejected, not errors, and a second resolution of the same id is a no-op
// returning false.
func (g *Gate) Resolve(confirmationID string, response models.ConfirmationResponse) bool {
	g.mu.Lock()
	p, ok := g.pending[confirmationID]
	if ok {
		delete(g.pending, confirmationID)
		delete(g.bySession, p.req.SessionID)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.V(1).Info("resolve rejected for unknown confirmation", "confirmation", confirmationID)
		return false
	}

	p.ch <- Outcome{Response: response, Resolution: models.ResolutionResponded}
	return true
}

// CancelSession wakes any confirmation wait for the session with a
// cancellation outcome. Returns false when nothing was pending.
func (g *Gate) CancelSession(sessionID string) bool {
	g.mu.Lock()
	id, ok := g.bySession[sessionID]
	var p *Ticket
	if ok {
		p = g.pending[id]
		delete(g.pending, id)
		delete(g.bySession, sessionID)
	}
	g.mu.Unlock()

	if !ok || p == nil {
		return false
	}

	p.ch <- Outcome{
		Response:   models.ConfirmationResponse{Action: p.req.DefaultOption},
		Resolution: models.ResolutionCancelled,
	}
	return true
}

// Pending returns the confirmation currently pending for a session
func (g *Gate) Pending(sessionID string) (models.ConfirmationRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.bySession[sessionID]
	if !ok {
		return models.ConfirmationRequest{}, false
	}
	p, ok := g.pending[id]
	if !ok {
		return models.ConfirmationRequest{}, false
	}
	return p.req, true
}

func (g *Gate) remove(confirmationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[confirmationID]; ok {
		delete(g.pending, confirmationID)
		delete(g.bySession, p.req.SessionID)
	}
}
