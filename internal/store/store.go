package store

import (
	"context"

	"clinic-queue/models"
)

// UpdateFunc mutates a session in place. Returning an error aborts the
// update and nothing is persisted.
type UpdateFunc func(session *models.Session) error

// SessionStore is the single owner of queue state. Implementations are
// transactional at single-session granularity: UpdateSession runs fn against
// the latest committed state and commits its result atomically, or not at all.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	CreateSession(ctx context.Context, session models.Session) error
	UpdateSession(ctx context.Context, sessionID string, fn UpdateFunc) (models.Session, error)
	ListSessionIDs(ctx context.Context, status models.SessionStatus) ([]string, error)
}
