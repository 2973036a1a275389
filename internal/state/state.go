package state

import (
	"encoding/json"
	"fmt"

	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// DiagnosisState is the materialized view of one investigation. It is owned
// exclusively by the task running the investigation and is never shared by
// reference; replay produces a fresh value.
type DiagnosisState struct {
	SessionID      string                 `json:"session_id"`
	Symptom        string                 `json:"symptom"`
	Messages       []models.Message       `json:"messages"`
	Evidence       []models.Evidence      `json:"evidence"`
	HypothesisTree map[string]interface{} `json:"hypothesis_tree"`
	Confidence     int                    `json:"confidence"`
	Phase          models.Phase           `json:"current_phase"`
	Cancelled      bool                   `json:"cancelled"`
	Failed         bool                   `json:"failed"`
	LastSeq        int64                  `json:"last_seq"`
}

// New returns the empty state an investigation starts from
func New(sessionID string) DiagnosisState {
	return DiagnosisState{
		SessionID:      sessionID,
		Messages:       []models.Message{},
		Evidence:       []models.Evidence{},
		HypothesisTree: map[string]interface{}{},
		Phase:          models.PhaseInit,
		LastSeq:        -1,
	}
}

// Apply folds one event into the state. It is pure: the input state is
// copied, never mutated, so replay is deterministic and testable without
// any storage attached.
func Apply(s DiagnosisState, ev models.Event) DiagnosisState {
	out := s
	out.Messages = append([]models.Message(nil), s.Messages...)
	out.Evidence = append([]models.Evidence(nil), s.Evidence...)
	out.LastSeq = ev.Seq

	switch ev.Kind {
	case models.EventDiagnosisStarted:
		var p models.DiagnosisStartedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Symptom = p.Symptom
		}
		// A new run start clears a previous failure so the retried
		// investigation is not reported as failed while it progresses.
		out.Failed = false
	case models.EventMessageAdded:
		var p models.MessageAddedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Messages = append(out.Messages, p.Message)
		}
	case models.EventConfidenceUpdated:
		var p models.ConfidenceUpdatedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Confidence = p.Confidence
		}
	case models.EventEvidenceAdded:
		var p models.EvidenceAddedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Evidence = append(out.Evidence, p.Evidence)
		}
	case models.EventPhaseChanged:
		var p models.PhaseChangedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			out.Phase = p.Phase
		}
	case models.EventDiagnosisCompleted:
		var p models.DiagnosisCompletedPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.Confidence > 0 {
			out.Confidence = p.Confidence
		}
		out.Phase = models.PhaseCompleted
	case models.EventDiagnosisCancelled:
		out.Cancelled = true
	case models.EventDiagnosisFailed:
		out.Failed = true
	}

	return out
}

// Replay folds an ordered event slice into the state
func Replay(s DiagnosisState, events []models.Event) DiagnosisState {
	for _, ev := range events {
		s = Apply(s, ev)
	}
	return s
}

// Rebuild reconstructs state from an optional snapshot plus the events at
// or after the snapshot's sequence number. A nil snapshot rebuilds from
// the empty state over the full history.
func Rebuild(sessionID string, snap *models.Snapshot, events []models.Event) (DiagnosisState, error) {
	s := New(sessionID)
	if snap != nil {
		if err := json.Unmarshal(snap.State, &s); err != nil {
			return DiagnosisState{}, fmt.Errorf("failed to decode snapshot %d for session %s: %w", snap.Version, sessionID, err)
		}
	}
	for _, ev := range events {
		if ev.Seq <= s.LastSeq {
			continue
		}
		s = Apply(s, ev)
	}
	return s, nil
}

// Terminal reports whether the investigation reached a terminal outcome
func (s DiagnosisState) Terminal() bool {
	return s.Cancelled || s.Failed || s.Phase == models.PhaseCompleted
}

// Encode serializes the state for snapshot capture
func (s DiagnosisState) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}
