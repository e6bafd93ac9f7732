package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinic-queue/config"
	"clinic-queue/internal/status"
	"clinic-queue/internal/store"
	"clinic-queue/models"
)

// NoShowPolicy marks patients who did not turn up. Called tokens expire after
// NoShowSLA; waiting tokens expire after NoShowWaitingGrace when it is set.
type NoShowPolicy struct {
	store  store.SessionStore
	queue  *QueueService
	jobs   Enqueuer
	config *config.Config
	now    func() time.Time
	logger *slog.Logger
}

func NewNoShowPolicy(st store.SessionStore, queue *QueueService, enq Enqueuer, cfg *config.Config) *NoShowPolicy {
	return &NoShowPolicy{
		store:  st,
		queue:  queue,
		jobs:   enq,
		config: cfg,
		now:    time.Now,
		logger: slog.With("component", "no_show"),
	}
}

func (p *NoShowPolicy) WithClock(now func() time.Time) *NoShowPolicy {
	p.now = now
	return p
}

// HandleJob is the AutoNoShow handler.
func (p *NoShowPolicy) HandleJob(ctx context.Context, job models.Job) error {
	if job.Payload.SessionID != "" {
		_, err := p.Apply(ctx, job.Payload.SessionID)
		return err
	}
	ids, err := p.store.ListSessionIDs(ctx, models.SessionActive)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, id := range ids {
		if err := p.jobs.Enqueue(ctx, models.JobAutoNoShow, models.JobPayload{SessionID: id, Event: "sweep"}); err != nil {
			return fmt.Errorf("enqueue no-show check for %s: %w", id, err)
		}
	}
	return nil
}

// Apply moves every overdue token of one session to no_show and returns how
// many were moved.
func (p *NoShowPolicy) Apply(ctx context.Context, sessionID string) (int, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if errors.Is(err, status.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if session.Status != models.SessionActive {
		return 0, nil
	}

	moved := 0
	for _, number := range p.overdue(session, p.now()) {
		_, err := p.queue.AdvanceToken(ctx, sessionID, number, models.TokenNoShow)
		switch {
		case err == nil:
			moved++
		case errors.Is(err, status.ErrInvalidTransition), errors.Is(err, status.ErrNotFound):
			// advanced by staff since we read the session
			p.logger.Debug("Skipping raced token", "session_id", sessionID, "token_number", number)
		default:
			return moved, err
		}
	}
	if moved > 0 {
		p.logger.Info("Tokens marked no-show", "session_id", sessionID, "count", moved)
	}
	return moved, nil
}

func (p *NoShowPolicy) overdue(session models.Session, now time.Time) []int {
	var numbers []int
	for _, t := range session.Tokens {
		switch t.Status {
		case models.TokenCalled:
			if t.CalledAt != nil && !t.CalledAt.Add(p.config.NoShowSLA).After(now) {
				numbers = append(numbers, t.TokenNumber)
			}
		case models.TokenWaiting:
			if p.config.NoShowWaitingGrace <= 0 {
				continue
			}
			since := t.BookedAt
			if session.StartedAt.After(since) {
				since = session.StartedAt
			}
			if !since.Add(p.config.NoShowWaitingGrace).After(now) {
				numbers = append(numbers, t.TokenNumber)
			}
		}
	}
	return numbers
}
