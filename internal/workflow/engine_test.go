package workflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsprobe-dev/opsprobe/internal/agents"
	"github.com/opsprobe-dev/opsprobe/internal/bus"
	"github.com/opsprobe-dev/opsprobe/internal/config"
	"github.com/opsprobe-dev/opsprobe/internal/confirm"
	"github.com/opsprobe-dev/opsprobe/internal/logging"
	"github.com/opsprobe-dev/opsprobe/internal/models"
	"github.com/opsprobe-dev/opsprobe/internal/store"
	"github.com/opsprobe-dev/opsprobe/internal/testutil"
	"github.com/opsprobe-dev/opsprobe/internal/workflow"
)

type harness struct {
	engine   *workflow.Engine
	store    *store.Store
	sessions *store.SessionCache
	bus      *bus.Bus
	registry *agents.Registry
}

func newHarness(t *testing.T, mutate func(*config.WorkflowConfig)) *harness {
	t.Helper()

	cfg := config.WorkflowConfig{
		KnowledgeMatchThreshold: 80,
		SimpleConfidence:        50,
		SynthesisConfidence:     70,
		KnowledgeConfidence:     85,
		FinalConfidence:         95,
		ConfirmationTimeout:     50 * time.Millisecond,
		GateFinalDecision:       false,
		SnapshotEvery:           50,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	execCfg := config.ExecutorConfig{
		StepTimeout: 5 * time.Second,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	}

	st := testutil.OpenStore(t)
	sessions := store.NewSessionCache(time.Hour)
	eventBus := bus.New(logging.Discard())
	registry, err := agents.NewRegistry(agents.AllKinds())
	require.NoError(t, err)
	gate := confirm.NewGate(logging.Discard())

	return &harness{
		engine:   workflow.New(cfg, execCfg, st, sessions, eventBus, registry, gate, logging.Discard()),
		store:    st,
		sessions: sessions,
		bus:      eventBus,
		registry: registry,
	}
}

// blockingCapability holds every call until released, so tests can catch an
// investigation mid-phase
type blockingCapability struct {
	label    string
	entered  chan struct{}
	released chan struct{}
}

func (c *blockingCapability) Label() string { return c.label }

func (c *blockingCapability) Analyze(ctx context.Context, task string, stepCtx agents.StepContext) (string, error) {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	select {
	case <-c.released:
		return "released", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func phases(events []models.Event) []models.EventKind {
	kinds := make([]models.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestSimpleModeCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sub := h.bus.Subscribe(bus.SessionChannel("s1"))
	defer h.bus.Unsubscribe(sub)

	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "checkout latency spike", models.ModeSimple))

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)
	require.Equal(t, 50, st.Confidence)
	require.Len(t, st.Messages, 1)
	require.True(t, st.Terminal())

	// Live viewers saw the terminal event too
	var sawCompleted bool
	for len(sub.C) > 0 {
		if (<-sub.C).Kind == models.EventDiagnosisCompleted {
			sawCompleted = true
		}
	}
	require.True(t, sawCompleted)
}

func TestComplexModeLowConfidenceVisitsKnowledgeMatch(t *testing.T) {
	h := newHarness(t, nil) // synthesis confidence 70 < threshold 80
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "connection pool exhausted", models.ModeComplex))

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)
	require.Equal(t, 95, st.Confidence)

	events, err := h.store.EventsSince(ctx, "s1", 0)
	require.NoError(t, err)

	visited := map[models.Phase]bool{}
	for _, ev := range events {
		if ev.Kind != models.EventPhaseChanged {
			continue
		}
		var p models.PhaseChangedPayload
		require.NoError(t, unmarshalPayload(ev, &p))
		visited[p.Phase] = true
	}
	require.True(t, visited[models.PhaseAnalysis])
	require.True(t, visited[models.PhaseSynthesis])
	require.True(t, visited[models.PhaseKnowledgeMatch])
	require.True(t, visited[models.PhaseFinalDecision])
	require.True(t, visited[models.PhaseCompleted])

	// triage + 3 analysis + synthesis + knowledge + final
	require.Len(t, st.Messages, 7)
}

func TestComplexModeHighConfidenceSkipsKnowledgeMatch(t *testing.T) {
	h := newHarness(t, func(cfg *config.WorkflowConfig) {
		cfg.SynthesisConfidence = 85
	})
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "connection pool exhausted", models.ModeComplex))

	events, err := h.store.EventsSince(ctx, "s1", 0)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind != models.EventPhaseChanged {
			continue
		}
		var p models.PhaseChangedPayload
		require.NoError(t, unmarshalPayload(ev, &p))
		require.NotEqual(t, models.PhaseKnowledgeMatch, p.Phase)
	}

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, st.Messages, 6)
}

func TestTerminalSessionRerunIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "checkout latency spike", models.ModeSimple))

	before, err := h.store.EventsSince(ctx, "s1", 0)
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "checkout latency spike", models.ModeSimple))

	after, err := h.store.EventsSince(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, phases(before), phases(after))
}

func TestFailedSessionIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A prior run died mid-flight and recorded its failure
	_, err := h.store.Append(ctx, "s1", models.EventDiagnosisStarted,
		models.MarshalPayload(models.DiagnosisStartedPayload{Symptom: "checkout latency spike", Mode: models.ModeSimple}))
	require.NoError(t, err)
	_, err = h.store.Append(ctx, "s1", models.EventDiagnosisFailed,
		models.MarshalPayload(models.DiagnosisFailedPayload{Reason: "storage outage"}))
	require.NoError(t, err)

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.True(t, st.Failed)

	// Redelivery re-attempts the investigation instead of skipping it
	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "checkout latency spike", models.ModeSimple))

	st, err = h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.False(t, st.Failed)
	require.Equal(t, models.PhaseCompleted, st.Phase)
	require.Equal(t, 50, st.Confidence)
}

func TestCancelMidAnalysisFreezesPhase(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	blocker := &blockingCapability{
		label:    "log",
		entered:  make(chan struct{}, 1),
		released: make(chan struct{}),
	}
	h.registry.Register(agents.KindLog, blocker)

	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(ctx, "s1", "u1", "pod crash loop", models.ModeComplex)
	}()

	<-blocker.entered
	require.True(t, h.engine.Cancel("s1"))
	require.False(t, h.engine.Cancel("s1"))
	close(blocker.released)

	require.NoError(t, <-done)

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.True(t, st.Cancelled)
	require.True(t, st.Terminal())
	require.NotEqual(t, models.PhaseCompleted, st.Phase)

	sess, ok := h.sessions.Get("s1")
	require.True(t, ok)
	require.True(t, sess.Cancelled)
}

func TestPauseBlocksNextTransitionUntilResume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	blocker := &blockingCapability{
		label:    "coordinator",
		entered:  make(chan struct{}, 1),
		released: make(chan struct{}),
	}
	h.registry.Register(agents.KindCoordinator, blocker)

	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(ctx, "s1", "u1", "pod crash loop", models.ModeSimple)
	}()

	// Pause while the synthesis step is in flight, then let it finish: the
	// run must stall at the next checkpoint instead of completing
	<-blocker.entered
	require.True(t, h.engine.Pause("s1"))
	require.False(t, h.engine.Pause("s1"))
	close(blocker.released)

	require.Eventually(t, func() bool {
		st, err := h.store.LoadState(ctx, "s1")
		return err == nil && hasKind(t, h.store, "s1", models.EventDiagnosisPaused) && !st.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("run finished while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, h.engine.Resume("s1"))
	require.NoError(t, <-done)

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)
	require.True(t, hasKind(t, h.store, "s1", models.EventDiagnosisResumed))
}

func TestPauseUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	require.False(t, h.engine.Pause("missing"))
	require.False(t, h.engine.Resume("missing"))
	require.False(t, h.engine.Cancel("missing"))
}

func TestGatedFinalDecisionTimesOutToDefault(t *testing.T) {
	h := newHarness(t, func(cfg *config.WorkflowConfig) {
		cfg.GateFinalDecision = true
		cfg.ConfirmationTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	// Nobody responds; the default option applies and the run completes
	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "db connection errors", models.ModeComplex))

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)

	events, err := h.store.EventsSince(ctx, "s1", 0)
	require.NoError(t, err)
	var resolved *models.ConfirmationResolvedPayload
	for _, ev := range events {
		if ev.Kind == models.EventConfirmationResolved {
			var p models.ConfirmationResolvedPayload
			require.NoError(t, unmarshalPayload(ev, &p))
			resolved = &p
		}
	}
	require.NotNil(t, resolved)
	require.Equal(t, models.ResolutionTimeout, resolved.Resolution)
	require.Equal(t, "proceed", resolved.Action)
}

func TestConfirmationResolvableTheInstantItIsAnnounced(t *testing.T) {
	h := newHarness(t, func(cfg *config.WorkflowConfig) {
		cfg.GateFinalDecision = true
		cfg.ConfirmationTimeout = 5 * time.Second
	})
	ctx := context.Background()

	sub := h.bus.Subscribe(bus.SessionChannel("s1"))
	defer h.bus.Unsubscribe(sub)

	resolved := make(chan bool, 1)
	go func() {
		for ev := range sub.C {
			if ev.Kind != models.EventConfirmationRequested {
				continue
			}
			var p models.ConfirmationRequestedPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				resolved <- false
				return
			}
			// Responding the moment the announcement lands must succeed
			resolved <- h.engine.Gate().Resolve(p.ConfirmationID, models.ConfirmationResponse{Action: "proceed"})
			return
		}
	}()

	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "db connection errors", models.ModeComplex))
	require.True(t, <-resolved)

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)
}

func TestGatedFinalDecisionProposesAction(t *testing.T) {
	h := newHarness(t, func(cfg *config.WorkflowConfig) {
		cfg.GateFinalDecision = true
		cfg.ConfirmationTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, h.engine.Run(ctx, "s1", "u1", "db connection errors", models.ModeComplex))

	events, err := h.store.EventsSince(ctx, "s1", 0)
	require.NoError(t, err)

	var proposal *models.ActionProposedPayload
	proposalSeq := int64(-1)
	requestedSeq := int64(-1)
	confirmationID := ""
	for _, ev := range events {
		switch ev.Kind {
		case models.EventActionProposed:
			var p models.ActionProposedPayload
			require.NoError(t, unmarshalPayload(ev, &p))
			proposal = &p
			proposalSeq = ev.Seq
		case models.EventConfirmationRequested:
			var p models.ConfirmationRequestedPayload
			require.NoError(t, unmarshalPayload(ev, &p))
			confirmationID = p.ConfirmationID
			requestedSeq = ev.Seq
		}
	}

	require.NotNil(t, proposal)
	require.Equal(t, "finalize_diagnosis", proposal.Action)
	require.NotEmpty(t, proposal.Description)
	require.Equal(t, confirmationID, proposal.ActionID)
	require.Less(t, proposalSeq, requestedSeq)
}

func TestGatedFinalDecisionApproved(t *testing.T) {
	h := newHarness(t, func(cfg *config.WorkflowConfig) {
		cfg.GateFinalDecision = true
		cfg.ConfirmationTimeout = 5 * time.Second
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(ctx, "s1", "u1", "db connection errors", models.ModeComplex)
	}()

	// Respond as soon as the confirmation surfaces
	require.Eventually(t, func() bool {
		req, ok := h.engine.Gate().Pending("s1")
		if !ok {
			return false
		}
		return h.engine.Gate().Resolve(req.ID, models.ConfirmationResponse{Action: "proceed"})
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, <-done)

	st, err := h.store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)
	require.Equal(t, 95, st.Confidence)
}

func hasKind(t *testing.T, st *store.Store, sessionID string, kind models.EventKind) bool {
	t.Helper()
	events, err := st.EventsSince(context.Background(), sessionID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func unmarshalPayload(ev models.Event, v interface{}) error {
	return json.Unmarshal(ev.Payload, v)
}
