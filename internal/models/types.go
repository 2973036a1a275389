package models

import (
	"encoding/json"
	"time"
)

// Phase represents a stage of the investigation state machine
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseAnalysis       Phase = "analysis"
	PhaseSynthesis      Phase = "synthesis"
	PhaseKnowledgeMatch Phase = "knowledge_match"
	PhaseFinalDecision  Phase = "final_decision"
	PhaseCompleted      Phase = "completed"
)

// Mode selects which workflow shape an investigation runs
type Mode string

const (
	ModeSimple  Mode = "simple"
	ModeComplex Mode = "complex"
)

// EventKind is the closed set of facts appended to a session history
type EventKind string

const (
	EventMessageAdded          EventKind = "message_added"
	EventConfidenceUpdated     EventKind = "confidence_updated"
	EventEvidenceAdded         EventKind = "evidence_added"
	EventPhaseChanged          EventKind = "phase_changed"
	EventActionProposed        EventKind = "action_proposal"
	EventConfirmationRequested EventKind = "confirmation_requested"
	EventConfirmationResolved  EventKind = "confirmation_resolved"
	EventDiagnosisStarted      EventKind = "diagnosis_started"
	EventDiagnosisCompleted    EventKind = "diagnosis_completed"
	EventDiagnosisFailed       EventKind = "diagnosis_failed"
	EventDiagnosisCancelled    EventKind = "diagnosis_cancelled"
	EventDiagnosisPaused       EventKind = "diagnosis_paused"
	EventDiagnosisResumed      EventKind = "diagnosis_resumed"
)

// Event is an immutable fact in a session's history. Events are only ever
// appended; the store assigns Seq and it is gap-free per session.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Session identifies one investigation and its coarse state
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Phase          Phase     `json:"phase"`
	Confidence     int       `json:"confidence"`
	Cancelled      bool      `json:"cancelled"`
	Paused         bool      `json:"paused"`
}

// Snapshot is a materialized view of session state at a sequence number
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

// StepStatus is the outcome classification of an analysis step
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

// StepResult is one analysis step's outcome
type StepResult struct {
	Agent   string     `json:"agent"`
	Content string     `json:"content"`
	Status  StepStatus `json:"status"`
}

// Message is one agent utterance recorded during an investigation
type Message struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Evidence is a single gathered fact, including recorded step failures
type Evidence struct {
	Type    string `json:"type"`
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// Resolution classifies how a confirmation request ended
type Resolution string

const (
	ResolutionResponded Resolution = "responded"
	ResolutionTimeout   Resolution = "timeout"
	ResolutionCancelled Resolution = "cancelled"
)

// ConfirmationRequest represents a pending human decision point
type ConfirmationRequest struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Prompt        string        `json:"prompt"`
	Options       []string      `json:"options"`
	DefaultOption string        `json:"default_option"`
	Risk          string        `json:"risk"`
	CreatedAt     time.Time     `json:"created_at"`
	Timeout       time.Duration `json:"timeout"`
}

// ConfirmationResponse carries the human decision back to the workflow
type ConfirmationResponse struct {
	Action string                 `json:"action"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// JobStatus tracks an investigation job through the queue
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of investigation work handed to a worker
type Job struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Symptom   string    `json:"symptom"`
	Mode      Mode      `json:"mode"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// Push message types delivered to live viewers
const (
	PushConnectionEstablished = "connection_established"
	PushHeartbeat             = "heartbeat"
	PushError                 = "error"
	PushActionApproved        = "action_approved"
	PushActionRejected        = "action_rejected"
	PushDiagnosisStatus       = "diagnosis_status"
)

// PushMessage is the envelope sent to every live viewer connection
type PushMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewPushMessage wraps data in a push envelope stamped with the current time
func NewPushMessage(msgType string, data interface{}) PushMessage {
	return PushMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// PushFromEvent converts a stored event into its viewer-facing message
func PushFromEvent(ev Event) PushMessage {
	return PushMessage{
		Type:      string(ev.Kind),
		Data:      ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

// Payload types for the tagged event kinds. Kept closed so replay stays a
// total function over the event set.

// MessageAddedPayload accompanies EventMessageAdded
type MessageAddedPayload struct {
	Message Message `json:"message"`
}

// ConfidenceUpdatedPayload accompanies EventConfidenceUpdated
type ConfidenceUpdatedPayload struct {
	Confidence int `json:"confidence"`
}

// EvidenceAddedPayload accompanies EventEvidenceAdded
type EvidenceAddedPayload struct {
	Evidence Evidence `json:"evidence"`
}

// PhaseChangedPayload accompanies EventPhaseChanged
type PhaseChangedPayload struct {
	Phase Phase `json:"phase"`
}

// ActionProposedPayload accompanies EventActionProposed. ActionID doubles
// as the confirmation id, so approve_action/reject_action on the proposal
// resolve the matching confirmation.
type ActionProposedPayload struct {
	ActionID    string `json:"action_id"`
	Action      string `json:"action"`
	Risk        string `json:"risk"`
	Description string `json:"description"`
}

// ConfirmationRequestedPayload accompanies EventConfirmationRequested
type ConfirmationRequestedPayload struct {
	ConfirmationID string   `json:"confirmation_id"`
	Prompt         string   `json:"prompt"`
	Options        []string `json:"options"`
	DefaultOption  string   `json:"default_option"`
	Risk           string   `json:"risk"`
}

// ConfirmationResolvedPayload accompanies EventConfirmationResolved
type ConfirmationResolvedPayload struct {
	ConfirmationID string     `json:"confirmation_id"`
	Resolution     Resolution `json:"resolution"`
	Action         string     `json:"action"`
}

// DiagnosisStartedPayload accompanies EventDiagnosisStarted
type DiagnosisStartedPayload struct {
	Symptom string `json:"symptom"`
	Mode    Mode   `json:"mode"`
}

// DiagnosisCompletedPayload accompanies EventDiagnosisCompleted
type DiagnosisCompletedPayload struct {
	Confidence int    `json:"confidence"`
	Summary    string `json:"summary"`
}

// DiagnosisFailedPayload accompanies EventDiagnosisFailed
type DiagnosisFailedPayload struct {
	Reason string `json:"reason"`
}

// MarshalPayload encodes a payload struct for event append
func MarshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
