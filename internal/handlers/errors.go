package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"clinic-queue/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
)

// toAPIError maps queue errors onto HTTP responses. Anything unrecognised is
// logged and reported as a 500 without internals.
func toAPIError(err error) *router.ApiError {
	switch {
	case errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError(err.Error(), nil)
	case errors.Is(err, status.ErrInvalidInput), errors.Is(err, status.ErrInvalidTransition), errors.Is(err, status.ErrUnknownJob):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, status.ErrConcurrentServing), errors.Is(err, status.ErrSessionExists), errors.Is(err, status.ErrStoreContention):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)
	}
	slog.Error("Unhandled request error", "error", err)
	return apis.NewInternalServerError("Something went wrong while processing your request.", nil)
}

func tokenNumberParam(e *core.RequestEvent) (int, error) {
	n, err := strconv.Atoi(e.Request.PathValue("tokenNumber"))
	if err != nil || n < 1 {
		return 0, apis.NewBadRequestError("Invalid token number", nil)
	}
	return n, nil
}
