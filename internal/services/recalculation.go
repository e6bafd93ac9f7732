package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinic-queue/config"
	"clinic-queue/internal/eta"
	"clinic-queue/internal/jobs"
	"clinic-queue/internal/status"
	"clinic-queue/internal/store"
	"clinic-queue/models"
	"clinic-queue/monitoring"
)

// Publisher delivers a freshly persisted snapshot to the session's subscribers.
type Publisher interface {
	Publish(ctx context.Context, snapshot models.EtaSnapshot) error
}

// RecalculationService handles EtaRecalculation jobs. The recompute-and-persist
// step for a session always runs under that session's lease.
type RecalculationService struct {
	store     store.SessionStore
	jobs      Enqueuer
	locker    jobs.Locker
	publisher Publisher
	config    *config.Config
	now       func() time.Time
	logger    *slog.Logger
}

func NewRecalculationService(st store.SessionStore, enq Enqueuer, locker jobs.Locker, pub Publisher, cfg *config.Config) *RecalculationService {
	return &RecalculationService{
		store:     st,
		jobs:      enq,
		locker:    locker,
		publisher: pub,
		config:    cfg,
		now:       time.Now,
		logger:    slog.With("component", "recalculation"),
	}
}

func (s *RecalculationService) WithClock(now func() time.Time) *RecalculationService {
	s.now = now
	return s
}

// HandleJob is the EtaRecalculation handler. A job without a session id is a
// sweep and fans out one job per open session.
func (s *RecalculationService) HandleJob(ctx context.Context, job models.Job) error {
	if job.Payload.SessionID == "" {
		return s.sweep(ctx)
	}
	_, err := s.Recalculate(ctx, job.Payload.SessionID)
	return err
}

func (s *RecalculationService) sweep(ctx context.Context) error {
	var ids []string
	for _, st := range []models.SessionStatus{models.SessionActive, models.SessionScheduled} {
		batch, err := s.store.ListSessionIDs(ctx, st)
		if err != nil {
			return fmt.Errorf("list %s sessions: %w", st, err)
		}
		ids = append(ids, batch...)
	}
	for _, id := range ids {
		if err := s.jobs.Enqueue(ctx, models.JobEtaRecalculation, models.JobPayload{SessionID: id, Event: "sweep"}); err != nil {
			return fmt.Errorf("enqueue recalculation for %s: %w", id, err)
		}
	}
	s.logger.Debug("Recalculation sweep fanned out", "sessions", len(ids))
	return nil
}

// Recalculate recomputes and persists a session's ETAs and publishes the new
// snapshot. It returns nil, nil for closed or deleted sessions. Publishing
// happens under the lease so subscribers see versions in order.
func (s *RecalculationService) Recalculate(ctx context.Context, sessionID string) (*models.EtaSnapshot, error) {
	var snapshot models.EtaSnapshot
	key := "lease:session:" + sessionID
	err := jobs.WithLease(ctx, s.locker, key, s.config.LeaseTTL, func(ctx context.Context) error {
		updated, err := s.store.UpdateSession(ctx, sessionID, func(session *models.Session) error {
			if session.Status == models.SessionClosed {
				return status.ErrSessionClosed
			}
			now := s.now().UTC()
			eta.Apply(session, eta.ComputeEtas(*session, now, s.config.MinRemaining))
			session.EtaUpdatedAt = &now
			session.Version++
			return nil
		})
		if err != nil {
			return err
		}
		snapshot = models.NewEtaSnapshot(updated)
		s.publish(ctx, snapshot)
		return nil
	})
	switch {
	case errors.Is(err, status.ErrSessionClosed):
		monitoring.TrackRecalculation("skipped_closed")
		return nil, nil
	case errors.Is(err, status.ErrNotFound):
		monitoring.TrackRecalculation("skipped_missing")
		s.logger.Warn("Recalculation for unknown session", "session_id", sessionID)
		return nil, nil
	case err != nil:
		monitoring.TrackRecalculation("failed")
		return nil, err
	}

	monitoring.TrackRecalculation("success")
	s.logger.Debug("ETAs recalculated", "session_id", sessionID, "version", snapshot.Version, "tokens", len(snapshot.Tokens))
	return &snapshot, nil
}

func (s *RecalculationService) publish(ctx context.Context, snapshot models.EtaSnapshot) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, snapshot); err != nil {
		// The snapshot is persisted; subscribers catch up on join.
		s.logger.Warn("Snapshot publish failed", "session_id", snapshot.SessionID, "version", snapshot.Version, "error", err)
	}
}
