package handlers

import (
	"log/slog"
	"net/http"

	"clinic-queue/internal/services"
	"clinic-queue/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type SessionHandler struct {
	queue *services.QueueService
}

func NewSessionHandler(queue *services.QueueService) *SessionHandler {
	return &SessionHandler{queue: queue}
}

// CreateSession - POST /api/v1/sessions
func (h *SessionHandler) CreateSession(e *core.RequestEvent) error {
	var req services.CreateSessionInput
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	session, err := h.queue.CreateSession(e.Request.Context(), req)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusCreated, session)
}

// GetSession - GET /api/v1/sessions/{sessionId}
func (h *SessionHandler) GetSession(e *core.RequestEvent) error {
	session, err := h.queue.GetSession(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, session)
}

// GetEta - GET /api/v1/sessions/{sessionId}/eta
func (h *SessionHandler) GetEta(e *core.RequestEvent) error {
	snapshot, err := h.queue.Snapshot(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, snapshot)
}

func (h *SessionHandler) OpenSession(e *core.RequestEvent) error {
	session, err := h.queue.OpenSession(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, session)
}

func (h *SessionHandler) CloseSession(e *core.RequestEvent) error {
	session, err := h.queue.CloseSession(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, session)
}

// BookToken - POST /api/v1/sessions/{sessionId}/tokens
func (h *SessionHandler) BookToken(e *core.RequestEvent) error {
	var req struct {
		PatientID string `json:"patient_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	token, err := h.queue.BookToken(e.Request.Context(), e.Request.PathValue("sessionId"), req.PatientID)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusCreated, token)
}

// AdvanceToken - POST /api/v1/sessions/{sessionId}/tokens/{tokenNumber}/advance
func (h *SessionHandler) AdvanceToken(e *core.RequestEvent) error {
	number, err := tokenNumberParam(e)
	if err != nil {
		return err
	}
	var req struct {
		Status models.TokenStatus `json:"status"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	sessionID := e.Request.PathValue("sessionId")
	token, err := h.queue.AdvanceToken(e.Request.Context(), sessionID, number, req.Status)
	if err != nil {
		return toAPIError(err)
	}
	slog.Info("Staff advanced token",
		"session_id", sessionID,
		"token_number", number,
		"status", req.Status,
		"actor", actorID(e),
	)
	return e.JSON(http.StatusOK, token)
}

// Recalculate - POST /api/v1/sessions/{sessionId}/recalculate
func (h *SessionHandler) Recalculate(e *core.RequestEvent) error {
	sessionID := e.Request.PathValue("sessionId")
	if err := h.queue.RequestRecalculation(e.Request.Context(), sessionID); err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusAccepted, map[string]string{"session_id": sessionID, "status": "queued"})
}

func actorID(e *core.RequestEvent) string {
	if e.Auth == nil {
		return ""
	}
	return e.Auth.Id
}
