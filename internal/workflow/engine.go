package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/opsprobe-dev/opsprobe/internal/agents"
	"github.com/opsprobe-dev/opsprobe/internal/bus"
	"github.com/opsprobe-dev/opsprobe/internal/config"
	"github.com/opsprobe-dev/opsprobe/internal/confirm"
	"github.com/opsprobe-dev/opsprobe/internal/executor"
	"github.com/opsprobe-dev/opsprobe/internal/metrics"
	"github.com/opsprobe-dev/opsprobe/internal/models"
	"github.com/opsprobe-dev/opsprobe/internal/state"
	"github.com/opsprobe-dev/opsprobe/internal/store"
)

// timeoutDegradation is subtracted from synthesis confidence for every
// analysis step that exhausted its retries on timeouts.
const timeoutDegradation = 10

// run tracks one in-flight investigation's control state. The diagnosis
// state itself is owned by the goroutine executing the investigation and
// never shared.
type run struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	paused    bool
	resumeCh  chan struct{}
}

// markCancelled flips the cancelled flag and wakes a paused transition.
// Returns false when the run was already cancelled.
func (r *run) markCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.cancelled = true
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
	return true
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) setPaused(paused bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || r.paused == paused {
		return false
	}
	r.paused = paused
	if paused {
		r.resumeCh = make(chan struct{})
	} else {
		close(r.resumeCh)
	}
	return true
}

// resumeGate returns the channel a paused transition must wait on, or nil
// when not paused.
func (r *run) resumeGate() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return nil
	}
	return r.resumeCh
}

// Engine sequences analysis phases for investigations. One engine instance
// serves many concurrent investigations; each runs in its own task with
// exclusively owned state.
type Engine struct {
	cfg      config.WorkflowConfig
	execCfg  config.ExecutorConfig
	store    *store.Store
	sessions *store.SessionCache
	bus      *bus.Bus
	registry *agents.Registry
	gate     *confirm.Gate
	logger   logr.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a workflow engine
func New(
	cfg config.WorkflowConfig,
	execCfg config.ExecutorConfig,
	st *store.Store,
	sessions *store.SessionCache,
	eventBus *bus.Bus,
	registry *agents.Registry,
	gate *confirm.Gate,
	logger logr.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		execCfg:  execCfg,
		store:    st,
		sessions: sessions,
		bus:      eventBus,
		registry: registry,
		gate:     gate,
		logger:   logger.WithName("workflow"),
		runs:     make(map[string]*run),
	}
}

// Gate exposes the confirmation gate owning this engine's pending requests
func (e *Engine) Gate() *confirm.Gate { return e.gate }

// Pause prevents the session's next state transition from executing until
// resumed or cancelled. A transition already in flight still completes.
func (e *Engine) Pause(sessionID string) bool {
	e.mu.Lock()
	r, ok := e.runs[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if !r.setPaused(true) {
		return false
	}
	e.sessions.Update(sessionID, func(s *models.Session) { s.Paused = true })
	e.logger.Info("workflow paused", "session", sessionID)
	return true
}

// Resume lifts a pause
func (e *Engine) Resume(sessionID string) bool {
	e.mu.Lock()
	r, ok := e.runs[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if !r.setPaused(false) {
		return false
	}
	e.sessions.Update(sessionID, func(s *models.Session) { s.Paused = false })
	e.logger.Info("workflow resumed", "session", sessionID)
	return true
}

// Cancel requests cooperative cancellation: any confirmation wait wakes
// immediately and the in-flight phase stops scheduling further steps.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	r, ok := e.runs[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	if !r.markCancelled() {
		return false
	}
	r.cancel()
	e.gate.CancelSession(sessionID)
	e.sessions.Update(sessionID, func(s *models.Session) { s.Cancelled = true })
	e.logger.Info("workflow cancelled", "session", sessionID)
	return true
}

// Run executes one investigation to a terminal outcome. Re-running a
// session already in a terminal state is a no-op reporting that state.
// Storage errors and escaped panics are returned to the caller, which owns
// the queue's at-least-once redelivery policy.
func (e *Engine) Run(ctx context.Context, sessionID, userID, symptom string, mode models.Mode) (err error) {
	log := e.logger.WithValues("session", sessionID, "mode", mode)
	started := time.Now()

	existing, loadErr := e.store.LoadState(ctx, sessionID)
	if loadErr != nil {
		return loadErr
	}
	// Completed and cancelled sessions are settled; redelivery is a no-op.
	// Failed sessions are NOT skipped: the queue redelivers them precisely
	// so a failed run gets re-attempted.
	if existing.Cancelled || existing.Phase == models.PhaseCompleted {
		log.Info("session already terminal, skipping re-run", "phase", existing.Phase,
			"cancelled", existing.Cancelled)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel}

	e.mu.Lock()
	if _, active := e.runs[sessionID]; active {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("investigation already running for session %s", sessionID)
	}
	e.runs[sessionID] = r
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.runs, sessionID)
		e.mu.Unlock()

		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v", rec)
		}
		if err != nil {
			e.recordFailure(sessionID, err)
			metrics.ObserveInvestigation(time.Since(started), "error")
		}
	}()

	if _, ok := e.sessions.Get(sessionID); !ok {
		e.sessions.Create(sessionID, userID)
	}

	st := state.New(sessionID)
	st.Symptom = symptom
	if existing.LastSeq >= 0 {
		st = existing
		st.Symptom = symptom
	}

	st, err = e.emit(runCtx, st, models.EventDiagnosisStarted,
		models.MarshalPayload(models.DiagnosisStartedPayload{Symptom: symptom, Mode: mode}))
	if err != nil {
		return err
	}

	switch mode {
	case models.ModeSimple:
		st, err = e.runSimple(runCtx, r, st)
	case models.ModeComplex:
		st, err = e.runComplex(runCtx, r, st)
	default:
		err = fmt.Errorf("unknown run mode: %s", mode)
	}
	if err != nil {
		// A cancel landing mid-step poisons the run context, so step and
		// append errors after it are expected fallout, not failures. The
		// terminal cancelled event may still be outstanding.
		if !r.isCancelled() {
			return err
		}
		if st.Cancelled {
			err = nil
		} else if st, err = e.recordCancelled(runCtx, st); err != nil {
			return err
		}
	}

	if st.Cancelled {
		metrics.ObserveInvestigation(time.Since(started), "cancelled")
		log.Info("investigation cancelled", "phase", st.Phase)
		return nil
	}

	// Opportunistic snapshot after the run completes
	if snapErr := e.store.SaveSnapshot(context.WithoutCancel(ctx), st); snapErr != nil {
		log.Error(snapErr, "snapshot after completion failed")
	}

	metrics.ObserveInvestigation(time.Since(started), "success")
	log.Info("investigation completed", "confidence", st.Confidence, "events", st.LastSeq+1)
	return nil
}

func (e *Engine) runSimple(ctx context.Context, r *run, st state.DiagnosisState) (state.DiagnosisState, error) {
	if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
		return newSt, err
	}

	exec := executor.New(executor.Options{
		Timeout:     e.execCfg.StepTimeout,
		MaxAttempts: e.execCfg.MaxAttempts,
		BackoffBase: e.execCfg.BackoffBase,
	}, e.logger)

	result := e.runStep(ctx, exec, agents.KindCoordinator, "Synthesize diagnosis", agents.StepContext{
		Phase:   models.PhaseSynthesis,
		Symptom: st.Symptom,
	})

	var err error
	st, err = e.recordStep(ctx, st, result)
	if err != nil {
		return st, err
	}

	st, err = e.setConfidence(ctx, st, e.cfg.SimpleConfidence)
	if err != nil {
		return st, err
	}

	if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
		return newSt, err
	}

	return e.complete(ctx, st)
}

func (e *Engine) runComplex(ctx context.Context, r *run, st state.DiagnosisState) (state.DiagnosisState, error) {
	exec := executor.New(executor.Options{
		Timeout:     e.execCfg.StepTimeout,
		MaxAttempts: e.execCfg.MaxAttempts,
		BackoffBase: e.execCfg.BackoffBase,
	}, e.logger)

	// init: symptom triage must produce at least one message before the
	// machine moves to analysis
	if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
		return newSt, err
	}

	triage := e.runStep(ctx, exec, agents.KindCoordinator,
		fmt.Sprintf("Analyze symptom: %s", st.Symptom),
		agents.StepContext{Phase: models.PhaseInit, Symptom: st.Symptom})

	var err error
	st, err = e.recordStep(ctx, st, triage)
	if err != nil {
		return st, err
	}

	st, err = e.changePhase(ctx, st, models.PhaseAnalysis)
	if err != nil {
		return st, err
	}

	// analysis: fan out the scheduled steps; the transition to synthesis is
	// the join point and fires only once every step completed or recorded
	// its failure
	if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
		return newSt, err
	}

	st, timeouts, err := e.fanOutAnalysis(ctx, r, exec, st)
	if err != nil {
		return st, err
	}

	// synthesis proceeds with whatever evidence was gathered
	if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
		return newSt, err
	}

	st, err = e.changePhase(ctx, st, models.PhaseSynthesis)
	if err != nil {
		return st, err
	}

	synth := e.runStep(ctx, exec, agents.KindCoordinator, "Synthesize analysis results", agents.StepContext{
		Phase:    models.PhaseSynthesis,
		Symptom:  st.Symptom,
		Evidence: st.Evidence,
	})
	st, err = e.recordStep(ctx, st, synth)
	if err != nil {
		return st, err
	}

	confidence := e.cfg.SynthesisConfidence - timeouts*timeoutDegradation
	if confidence < 0 {
		confidence = 0
	}
	st, err = e.setConfidence(ctx, st, confidence)
	if err != nil {
		return st, err
	}

	// branch: low confidence routes through historical case matching
	if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
		return newSt, err
	}

	if st.Confidence < e.cfg.KnowledgeMatchThreshold {
		st, err = e.changePhase(ctx, st, models.PhaseKnowledgeMatch)
		if err != nil {
			return st, err
		}

		match := e.runStep(ctx, exec, agents.KindKnowledge, "Find similar cases", agents.StepContext{
			Phase:    models.PhaseKnowledgeMatch,
			Symptom:  st.Symptom,
			Evidence: st.Evidence,
		})
		st, err = e.recordStep(ctx, st, match)
		if err != nil {
			return st, err
		}

		st, err = e.setConfidence(ctx, st, e.cfg.KnowledgeConfidence)
		if err != nil {
			return st, err
		}

		if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
			return newSt, err
		}
	}

	st, err = e.changePhase(ctx, st, models.PhaseFinalDecision)
	if err != nil {
		return st, err
	}

	if e.cfg.GateFinalDecision {
		st, err = e.confirmFinalDecision(ctx, st)
		if err != nil {
			return st, err
		}
		if st.Cancelled {
			return st, nil
		}
	}

	if cancelled, newSt, err := e.checkpoint(ctx, r, st); cancelled || err != nil {
		return newSt, err
	}

	final := e.runStep(ctx, exec, agents.KindCoordinator, "Generate final diagnosis", agents.StepContext{
		Phase:      models.PhaseFinalDecision,
		Symptom:    st.Symptom,
		Evidence:   st.Evidence,
		Confidence: st.Confidence,
	})
	st, err = e.recordStep(ctx, st, final)
	if err != nil {
		return st, err
	}

	st, err = e.setConfidence(ctx, st, e.cfg.FinalConfidence)
	if err != nil {
		return st, err
	}

	return e.complete(ctx, st)
}

// fanOutAnalysis runs the analysis-phase steps concurrently. Individual
// failures are recorded as error evidence and never abort the phase; the
// returned timeout count lets synthesis degrade its confidence.
func (e *Engine) fanOutAnalysis(ctx context.Context, r *run, exec *executor.Executor, st state.DiagnosisState) (state.DiagnosisState, int, error) {
	kinds := []agents.Kind{agents.KindLog, agents.KindMetric, agents.KindCode}

	type stepOutcome struct {
		result   models.StepResult
		timedOut bool
	}
	outcomes := make([]stepOutcome, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		if r.isCancelled() {
			break
		}
		g.Go(func() error {
			result, err := e.runStepErr(gctx, exec, kind, "Gather evidence", agents.StepContext{
				Phase:    models.PhaseAnalysis,
				Symptom:  st.Symptom,
				Evidence: st.Evidence,
			})
			_, timedOut := err.(*executor.TimeoutError)
			outcomes[i] = stepOutcome{result: result, timedOut: timedOut}
			return nil
		})
	}
	// Step failures are absorbed into results; the only error surface here
	// is a cancelled group context.
	_ = g.Wait()

	var stepErrs *multierror.Error
	timeouts := 0
	var err error
	for _, out := range outcomes {
		if out.result.Agent == "" {
			continue
		}
		if out.timedOut {
			timeouts++
		}
		if out.result.Status == models.StepStatusError {
			stepErrs = multierror.Append(stepErrs, fmt.Errorf("%s: %s", out.result.Agent, out.result.Content))
		}
		st, err = e.recordStep(ctx, st, out.result)
		if err != nil {
			return st, timeouts, err
		}
	}

	if stepErrs.ErrorOrNil() != nil {
		e.logger.Info("analysis completed with step failures",
			"session", st.SessionID, "failures", stepErrs.Len())
	}
	return st, timeouts, nil
}

func (e *Engine) confirmFinalDecision(ctx context.Context, st state.DiagnosisState) (state.DiagnosisState, error) {
	req := models.ConfirmationRequest{
		ID:            uuid.NewString(),
		SessionID:     st.SessionID,
		Prompt:        "Proceed to final diagnosis and proposed remediation?",
		Options:       []string{"proceed", "skip_remediation"},
		DefaultOption: "proceed",
		Risk:          "medium",
		CreatedAt:     time.Now(),
		Timeout:       e.cfg.ConfirmationTimeout,
	}

	// Register before announcing: a viewer responding the instant it sees
	// the request must find it pending.
	ticket, err := e.gate.Register(req)
	if err != nil {
		return st, err
	}

	st, err = e.emit(ctx, st, models.EventActionProposed,
		models.MarshalPayload(models.ActionProposedPayload{
			ActionID:    req.ID,
			Action:      "finalize_diagnosis",
			Risk:        req.Risk,
			Description: req.Prompt,
		}))
	if err != nil {
		e.gate.CancelSession(st.SessionID)
		return st, err
	}

	st, err = e.emit(ctx, st, models.EventConfirmationRequested,
		models.MarshalPayload(models.ConfirmationRequestedPayload{
			ConfirmationID: req.ID,
			Prompt:         req.Prompt,
			Options:        req.Options,
			DefaultOption:  req.DefaultOption,
			Risk:           req.Risk,
		}))
	if err != nil {
		e.gate.CancelSession(st.SessionID)
		return st, err
	}

	outcome, err := e.gate.Wait(ctx, ticket)
	if err != nil {
		return st, err
	}

	st, emitErr := e.emit(ctx, st, models.EventConfirmationResolved,
		models.MarshalPayload(models.ConfirmationResolvedPayload{
			ConfirmationID: req.ID,
			Resolution:     outcome.Resolution,
			Action:         outcome.Response.Action,
		}))
	if emitErr != nil {
		return st, emitErr
	}

	if outcome.Resolution == models.ResolutionCancelled {
		return e.recordCancelled(ctx, st)
	}
	return st, nil
}

// checkpoint enforces the pause and cancelled flags at a phase boundary.
// It blocks while paused, and on cancellation records the terminal
// cancelled outcome with the phase left at its last completed value.
func (e *Engine) checkpoint(ctx context.Context, r *run, st state.DiagnosisState) (bool, state.DiagnosisState, error) {
	if gate := r.resumeGate(); gate != nil {
		pausedSt, err := e.emit(ctx, st, models.EventDiagnosisPaused, json.RawMessage(`{}`))
		if err != nil {
			return false, st, err
		}
		st = pausedSt

		<-gate

		if !r.isCancelled() {
			resumedSt, err := e.emit(ctx, st, models.EventDiagnosisResumed, json.RawMessage(`{}`))
			if err != nil {
				return false, st, err
			}
			st = resumedSt
		}
	}

	if r.isCancelled() {
		newSt, err := e.recordCancelled(ctx, st)
		return true, newSt, err
	}
	return false, st, nil
}

func (e *Engine) recordCancelled(ctx context.Context, st state.DiagnosisState) (state.DiagnosisState, error) {
	// Cancellation may race context teardown; the terminal event must
	// still reach the store.
	return e.emit(context.WithoutCancel(ctx), st, models.EventDiagnosisCancelled, json.RawMessage(`{}`))
}

func (e *Engine) runStep(ctx context.Context, exec *executor.Executor, kind agents.Kind, task string, stepCtx agents.StepContext) models.StepResult {
	result, _ := e.runStepErr(ctx, exec, kind, task, stepCtx)
	return result
}

func (e *Engine) runStepErr(ctx context.Context, exec *executor.Executor, kind agents.Kind, task string, stepCtx agents.StepContext) (models.StepResult, error) {
	capability, ok := e.registry.Get(kind)
	if !ok {
		// Unknown kinds are rejected at configuration load; reaching this
		// is a programming error surfaced as a recorded step failure.
		return models.StepResult{
			Agent:   string(kind),
			Content: fmt.Sprintf("capability %s not configured", kind),
			Status:  models.StepStatusError,
		}, fmt.Errorf("capability %s not configured", kind)
	}
	return exec.Run(ctx, capability, task, stepCtx)
}

// recordStep appends the step's message, and error evidence when it failed
func (e *Engine) recordStep(ctx context.Context, st state.DiagnosisState, result models.StepResult) (state.DiagnosisState, error) {
	msg := models.Message{
		ID:        uuid.NewString(),
		Agent:     result.Agent,
		Content:   result.Content,
		Kind:      string(result.Status),
		Timestamp: time.Now(),
	}

	st, err := e.emit(ctx, st, models.EventMessageAdded,
		models.MarshalPayload(models.MessageAddedPayload{Message: msg}))
	if err != nil {
		return st, err
	}

	evidenceType := result.Agent
	if result.Status == models.StepStatusError {
		evidenceType = "error"
	}
	return e.emit(ctx, st, models.EventEvidenceAdded,
		models.MarshalPayload(models.EvidenceAddedPayload{Evidence: models.Evidence{
			Type:    evidenceType,
			Agent:   result.Agent,
			Content: result.Content,
		}}))
}

func (e *Engine) changePhase(ctx context.Context, st state.DiagnosisState, phase models.Phase) (state.DiagnosisState, error) {
	st, err := e.emit(ctx, st, models.EventPhaseChanged,
		models.MarshalPayload(models.PhaseChangedPayload{Phase: phase}))
	if err != nil {
		return st, err
	}
	e.sessions.Update(st.SessionID, func(s *models.Session) { s.Phase = phase })
	return st, nil
}

func (e *Engine) setConfidence(ctx context.Context, st state.DiagnosisState, confidence int) (state.DiagnosisState, error) {
	st, err := e.emit(ctx, st, models.EventConfidenceUpdated,
		models.MarshalPayload(models.ConfidenceUpdatedPayload{Confidence: confidence}))
	if err != nil {
		return st, err
	}
	e.sessions.Update(st.SessionID, func(s *models.Session) { s.Confidence = confidence })
	return st, nil
}

func (e *Engine) complete(ctx context.Context, st state.DiagnosisState) (state.DiagnosisState, error) {
	st, err := e.changePhase(ctx, st, models.PhaseCompleted)
	if err != nil {
		return st, err
	}

	summary := ""
	if len(st.Messages) > 0 {
		summary = st.Messages[len(st.Messages)-1].Content
	}
	return e.emit(ctx, st, models.EventDiagnosisCompleted,
		models.MarshalPayload(models.DiagnosisCompletedPayload{
			Confidence: st.Confidence,
			Summary:    summary,
		}))
}

// emit appends the event durably, folds it into the local state, then
// publishes it for live viewers. The store is authoritative: append
// failure is fatal for the run, while publish failure is logged and
// swallowed because reconnecting clients replay from the store.
func (e *Engine) emit(ctx context.Context, st state.DiagnosisState, kind models.EventKind, payload json.RawMessage) (state.DiagnosisState, error) {
	seq, err := e.store.Append(ctx, st.SessionID, kind, payload)
	if err != nil {
		return st, err
	}
	metrics.IncEventsAppended()

	ev := models.Event{
		SessionID: st.SessionID,
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if pubErr := e.bus.Publish(bus.SessionChannel(st.SessionID), ev); pubErr != nil {
		e.logger.Error(pubErr, "event publish failed", "session", st.SessionID, "kind", kind)
	}

	e.sessions.Touch(st.SessionID)
	return state.Apply(st, ev), nil
}

// recordFailure surfaces a fatal run error as a diagnosis_failed event.
// The store may be the failing dependency, so the bus publish is
// best-effort and the append is attempted independently.
func (e *Engine) recordFailure(sessionID string, runErr error) {
	payload := models.MarshalPayload(models.DiagnosisFailedPayload{Reason: runErr.Error()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := models.Event{
		SessionID: sessionID,
		Seq:       -1,
		Kind:      models.EventDiagnosisFailed,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if seq, err := e.store.Append(ctx, sessionID, models.EventDiagnosisFailed, payload); err == nil {
		ev.Seq = seq
	} else {
		e.logger.Error(err, "failed to persist diagnosis_failed event", "session", sessionID)
	}

	if err := e.bus.Publish(bus.SessionChannel(sessionID), ev); err != nil {
		e.logger.Error(err, "failed to publish diagnosis_failed event", "session", sessionID)
	}
}
