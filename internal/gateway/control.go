package gateway

import (
	"context"
	"encoding/json"

	"github.com/opsprobe-dev/opsprobe/internal/models"
)

type startRequest struct {
	Symptom string `json:"symptom"`
	Mode    string `json:"mode"`
	UserID  string `json:"user_id"`
}

type actionRequest struct {
	ActionID string `json:"actionId"`
	Reason   string `json:"reason,omitempty"`
}

type confirmationResponse struct {
	ConfirmationID string                      `json:"confirmationId"`
	Response       models.ConfirmationResponse `json:"response"`
}

// dispatch routes one inbound viewer message to its control operation.
// Failures reach the viewer as a short error string; detail stays in the
// logs.
func (s *Server) dispatch(ctx context.Context, connID, sessionID string, msg clientMessage) {
	switch msg.Type {
	case "start_diagnosis":
		s.startDiagnosis(ctx, connID, sessionID, msg.Data)
	case "stop_diagnosis":
		s.stopDiagnosis(connID, sessionID)
	case "pause_diagnosis":
		s.pauseDiagnosis(connID, sessionID)
	case "resume_diagnosis":
		s.resumeDiagnosis(connID, sessionID)
	case "confirmation_response":
		s.respondToConfirmation(connID, msg.Data)
	case "approve_action":
		s.resolveAction(connID, sessionID, msg.Data, true)
	case "reject_action":
		s.resolveAction(connID, sessionID, msg.Data, false)
	default:
		s.logger.Info("unknown message type", "conn", connID, "type", msg.Type)
		s.sendError(connID, "unknown message type: "+msg.Type)
	}
}

func (s *Server) startDiagnosis(ctx context.Context, connID, sessionID string, data json.RawMessage) {
	var req startRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Symptom == "" {
		s.sendError(connID, "start_diagnosis requires a symptom")
		return
	}

	mode := models.Mode(req.Mode)
	if mode != models.ModeSimple && mode != models.ModeComplex {
		mode = models.ModeSimple
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}

	if _, ok := s.sessions.Get(sessionID); !ok {
		s.sessions.Create(sessionID, userID)
	}

	jobID, err := s.queue.Submit(ctx, sessionID, userID, req.Symptom, mode)
	if err != nil {
		s.logger.Error(err, "failed to submit investigation", "session", sessionID)
		s.sendError(connID, "failed to start diagnosis")
		return
	}

	s.registry.Deliver(connID, models.NewPushMessage(models.PushDiagnosisStatus, map[string]string{
		"status":     "submitted",
		"session_id": sessionID,
		"job_id":     jobID,
	}))
}

func (s *Server) stopDiagnosis(connID, sessionID string) {
	s.engine.Cancel(sessionID)
	s.registry.Deliver(connID, models.NewPushMessage(models.PushDiagnosisStatus, map[string]string{
		"status":     "stopped",
		"session_id": sessionID,
	}))
}

func (s *Server) pauseDiagnosis(connID, sessionID string) {
	if !s.engine.Pause(sessionID) {
		s.sendError(connID, "no running diagnosis to pause")
		return
	}
	s.registry.Deliver(connID, models.NewPushMessage(models.PushDiagnosisStatus, map[string]string{
		"status":     "paused",
		"session_id": sessionID,
	}))
}

func (s *Server) resumeDiagnosis(connID, sessionID string) {
	if !s.engine.Resume(sessionID) {
		s.sendError(connID, "no paused diagnosis to resume")
		return
	}
	s.registry.Deliver(connID, models.NewPushMessage(models.PushDiagnosisStatus, map[string]string{
		"status":     "resumed",
		"session_id": sessionID,
	}))
}

func (s *Server) respondToConfirmation(connID string, data json.RawMessage) {
	var req confirmationResponse
	if err := json.Unmarshal(data, &req); err != nil || req.ConfirmationID == "" {
		s.sendError(connID, "confirmation_response requires a confirmationId")
		return
	}

	if !s.engine.Gate().Resolve(req.ConfirmationID, req.Response) {
		s.sendError(connID, "confirmation not pending")
		return
	}

	s.registry.Deliver(connID, models.NewPushMessage(models.PushDiagnosisStatus, map[string]string{
		"status":          "confirmation_accepted",
		"confirmation_id": req.ConfirmationID,
	}))
}

func (s *Server) resolveAction(connID, sessionID string, data json.RawMessage, approved bool) {
	var req actionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ActionID == "" {
		s.sendError(connID, "action requires an actionId")
		return
	}

	action := "approve"
	pushType := models.PushActionApproved
	if !approved {
		action = "reject"
		pushType = models.PushActionRejected
	}

	// Actions resolve the session's pending confirmation when one exists;
	// the acknowledgement goes back regardless so the viewer UI settles.
	s.engine.Gate().Resolve(req.ActionID, models.ConfirmationResponse{Action: action})

	s.registry.Deliver(connID, models.NewPushMessage(pushType, map[string]string{
		"action_id":  req.ActionID,
		"session_id": sessionID,
		"reason":     req.Reason,
	}))
}

func (s *Server) sendError(connID, message string) {
	s.registry.Deliver(connID, models.NewPushMessage(models.PushError, map[string]string{
		"message": message,
	}))
}
