package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsprobe-dev/opsprobe/internal/apperrors"
	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// Kind is the closed set of analysis capabilities. Unknown kinds are
// rejected when the registry is built, not at dispatch time.
type Kind string

const (
	KindCoordinator Kind = "coordinator"
	KindLog         Kind = "log"
	KindMetric      Kind = "metric"
	KindCode        Kind = "code"
	KindKnowledge   Kind = "knowledge"
)

// AllKinds lists every built-in capability kind
func AllKinds() []Kind {
	return []Kind{KindCoordinator, KindLog, KindMetric, KindCode, KindKnowledge}
}

// StepContext carries the investigation context an analysis step may use
type StepContext struct {
	Phase      models.Phase
	Symptom    string
	Evidence   []models.Evidence
	Confidence int
}

// Capability is one unit of investigative work producing evidence text.
// The content it produces is opaque to the orchestration layer.
type Capability interface {
	Label() string
	Analyze(ctx context.Context, task string, stepCtx StepContext) (string, error)
}

// Registry maps capability kinds to implementations. It is populated once
// at construction.
type Registry struct {
	capabilities map[Kind]Capability
}

// NewRegistry builds a registry for the requested kinds
func NewRegistry(kinds []Kind) (*Registry, error) {
	r := &Registry{capabilities: make(map[Kind]Capability)}
	for _, kind := range kinds {
		capability, err := newBuiltin(kind)
		if err != nil {
			return nil, err
		}
		r.capabilities[kind] = capability
	}
	return r, nil
}

// Register adds or replaces a capability, for tests and extensions
func (r *Registry) Register(kind Kind, capability Capability) {
	r.capabilities[kind] = capability
}

// Get returns the capability for a kind
func (r *Registry) Get(kind Kind) (Capability, bool) {
	capability, ok := r.capabilities[kind]
	return capability, ok
}

func newBuiltin(kind Kind) (Capability, error) {
	switch kind {
	case KindCoordinator:
		return &coordinatorAgent{}, nil
	case KindLog:
		return &logAgent{}, nil
	case KindMetric:
		return &metricAgent{}, nil
	case KindCode:
		return &codeAgent{}, nil
	case KindKnowledge:
		return &knowledgeAgent{}, nil
	default:
		return nil, apperrors.New(apperrors.ErrCodeCapabilityUnknown,
			fmt.Sprintf("unknown capability kind: %s", kind), nil)
	}
}

// The built-in capabilities are deterministic heuristic analyzers over the
// symptom text. Production deployments swap in richer implementations via
// Register; the orchestration layer only sees text and errors.

type coordinatorAgent struct{}

func (a *coordinatorAgent) Label() string { return "coordinator" }

func (a *coordinatorAgent) Analyze(ctx context.Context, task string, stepCtx StepContext) (string, error) {
	switch stepCtx.Phase {
	case models.PhaseInit:
		return fmt.Sprintf("Triaged symptom %q: scheduling log, metric and code analysis.", stepCtx.Symptom), nil
	case models.PhaseSynthesis:
		return fmt.Sprintf("Synthesized %d evidence entries for %q.", len(stepCtx.Evidence), stepCtx.Symptom), nil
	case models.PhaseFinalDecision:
		return fmt.Sprintf("Final diagnosis for %q at confidence %d.", stepCtx.Symptom, stepCtx.Confidence), nil
	default:
		return fmt.Sprintf("Coordinator handled task: %s", task), nil
	}
}

type logAgent struct{}

func (a *logAgent) Label() string { return "log" }

func (a *logAgent) Analyze(ctx context.Context, task string, stepCtx StepContext) (string, error) {
	symptom := strings.ToLower(stepCtx.Symptom)
	switch {
	case strings.Contains(symptom, "timeout"):
		return "Log scan found repeated upstream timeout entries in the last hour.", nil
	case strings.Contains(symptom, "pool"):
		return "Log scan found connection pool saturation warnings preceding the incident.", nil
	default:
		return fmt.Sprintf("Log scan completed for %q: no matching error bursts.", stepCtx.Symptom), nil
	}
}

type metricAgent struct{}

func (a *metricAgent) Label() string { return "metric" }

func (a *metricAgent) Analyze(ctx context.Context, task string, stepCtx StepContext) (string, error) {
	symptom := strings.ToLower(stepCtx.Symptom)
	switch {
	case strings.Contains(symptom, "cpu"), strings.Contains(symptom, "slow"):
		return "Metric review shows elevated CPU and p99 latency over baseline.", nil
	case strings.Contains(symptom, "pool"), strings.Contains(symptom, "connection"):
		return "Metric review shows active connections pinned at the pool ceiling.", nil
	default:
		return fmt.Sprintf("Metric review completed for %q: trends within baseline.", stepCtx.Symptom), nil
	}
}

type codeAgent struct{}

func (a *codeAgent) Label() string { return "code" }

func (a *codeAgent) Analyze(ctx context.Context, task string, stepCtx StepContext) (string, error) {
	return fmt.Sprintf("Recent change review for %q: no suspect deploys flagged.", stepCtx.Symptom), nil
}

type knowledgeAgent struct{}

func (a *knowledgeAgent) Label() string { return "knowledge" }

func (a *knowledgeAgent) Analyze(ctx context.Context, task string, stepCtx StepContext) (string, error) {
	return fmt.Sprintf("Matched %q against historical cases: closest prior incident resolved by resource limit increase.", stepCtx.Symptom), nil
}
