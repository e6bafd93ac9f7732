package handlers

import (
	"context"
	"net/http"
	"strconv"

	"clinic-queue/internal/jobs"
	"clinic-queue/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// RecurringLister exposes the scheduler's active cron definitions.
type RecurringLister interface {
	Recurring() []models.RecurringJob
}

type AdminHandler struct {
	queue     jobs.Queue
	scheduler RecurringLister
}

func NewAdminHandler(queue jobs.Queue, scheduler RecurringLister) *AdminHandler {
	return &AdminHandler{queue: queue, scheduler: scheduler}
}

// RequireAdmin lets through superusers and users with the admin role.
func RequireAdmin(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("The request requires valid authorization token.", nil)
	}
	if !e.HasSuperuserAuth() && e.Auth.GetString("role") != "admin" {
		return apis.NewForbiddenError("Admin access required", nil)
	}
	return e.Next()
}

// ListDeadLetters - GET /api/v1/admin/jobs/dead?limit=N
func (h *AdminHandler) ListDeadLetters(e *core.RequestEvent) error {
	limit := int64(100)
	if raw := e.Request.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			return apis.NewBadRequestError("Invalid limit", nil)
		}
		limit = n
	}
	letters, err := h.queue.ListDeadLetters(e.Request.Context(), limit)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"jobs": letters, "count": len(letters)})
}

// JobStats - GET /api/v1/admin/jobs
func (h *AdminHandler) JobStats(e *core.RequestEvent) error {
	lengths, err := h.queue.Lengths(e.Request.Context())
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"queues":    lengths,
		"recurring": h.scheduler.Recurring(),
	})
}

// HealthHandler reports whether the backing services answer.
type HealthHandler struct {
	checks map[string]func(ctx context.Context) error
}

func NewHealthHandler(checks map[string]func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Health(e *core.RequestEvent) error {
	for name, check := range h.checks {
		if err := check(e.Request.Context()); err != nil {
			return e.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":    "unhealthy",
				"component": name,
				"error":     err.Error(),
			})
		}
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
