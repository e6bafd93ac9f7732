package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"clinic-queue/config"
	"clinic-queue/internal/eta"
	"clinic-queue/internal/status"
	"clinic-queue/internal/store"
	"clinic-queue/models"
	"clinic-queue/monitoring"

	"github.com/google/uuid"
)

// Enqueuer hands one-off jobs to the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, name models.JobName, payload models.JobPayload) error
}

type CreateSessionInput struct {
	SessionID string    `json:"session_id"`
	DoctorID  string    `json:"doctor_id"`
	Location  string    `json:"location"`
	StartedAt time.Time `json:"started_at"`
}

// QueueService owns every token and session state change. Each mutation is
// committed through a single UpdateSession call and followed by a one-off
// recalculation job for the session.
type QueueService struct {
	store  store.SessionStore
	jobs   Enqueuer
	config *config.Config
	now    func() time.Time
	logger *slog.Logger
}

func NewQueueService(st store.SessionStore, jobs Enqueuer, cfg *config.Config) *QueueService {
	return &QueueService{
		store:  st,
		jobs:   jobs,
		config: cfg,
		now:    time.Now,
		logger: slog.With("component", "queue_service"),
	}
}

// WithClock replaces the wall clock, for tests and replays.
func (s *QueueService) WithClock(now func() time.Time) *QueueService {
	s.now = now
	return s
}

func (s *QueueService) CreateSession(ctx context.Context, input CreateSessionInput) (models.Session, error) {
	if strings.TrimSpace(input.DoctorID) == "" {
		return models.Session{}, fmt.Errorf("doctor_id is required: %w", status.ErrInvalidInput)
	}
	if input.SessionID == "" {
		input.SessionID = uuid.NewString()
	}
	startedAt := input.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}

	session := models.Session{
		SessionID:                  input.SessionID,
		DoctorID:                   input.DoctorID,
		Location:                   input.Location,
		StartedAt:                  startedAt.UTC(),
		Status:                     models.SessionScheduled,
		AverageConsultationSeconds: s.config.DefaultConsultation.Seconds(),
		NextTokenNumber:            1,
		Tokens:                     []models.Token{},
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return models.Session{}, err
	}
	s.logger.Info("Session created", "session_id", session.SessionID, "doctor_id", session.DoctorID)
	return session, nil
}

// OpenSession moves a scheduled session to active. Opening an active session
// is a no-op.
func (s *QueueService) OpenSession(ctx context.Context, sessionID string) (models.Session, error) {
	changed := false
	session, err := s.store.UpdateSession(ctx, sessionID, func(session *models.Session) error {
		switch session.Status {
		case models.SessionActive:
			return nil
		case models.SessionClosed:
			return fmt.Errorf("session %s is closed: %w", sessionID, status.ErrInvalidTransition)
		}
		session.Status = models.SessionActive
		session.StartedAt = s.now().UTC()
		session.Version++
		changed = true
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	if changed {
		s.logger.Info("Session opened", "session_id", sessionID)
		s.enqueueRecalculation(ctx, sessionID, 0, "session.opened")
	}
	return session, nil
}

// CloseSession stops ETA computation for a session. Tokens keep their last
// status; later recalculation jobs for the session are no-ops.
func (s *QueueService) CloseSession(ctx context.Context, sessionID string) (models.Session, error) {
	changed := false
	session, err := s.store.UpdateSession(ctx, sessionID, func(session *models.Session) error {
		if session.Status == models.SessionClosed {
			return nil
		}
		closedAt := s.now().UTC()
		session.Status = models.SessionClosed
		session.ClosedAt = &closedAt
		session.Version++
		changed = true
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	if changed {
		s.logger.Info("Session closed", "session_id", sessionID)
		s.enqueueRecalculation(ctx, sessionID, 0, "session.closed")
	}
	return session, nil
}

// BookToken reserves the next token number for a patient.
func (s *QueueService) BookToken(ctx context.Context, sessionID, patientID string) (models.Token, error) {
	if strings.TrimSpace(patientID) == "" {
		return models.Token{}, fmt.Errorf("patient_id is required: %w", status.ErrInvalidInput)
	}
	var booked models.Token
	_, err := s.store.UpdateSession(ctx, sessionID, func(session *models.Session) error {
		if session.Status == models.SessionClosed {
			return fmt.Errorf("session %s is closed: %w", sessionID, status.ErrInvalidTransition)
		}
		number := session.NextTokenNumber
		if number < 1 {
			number = 1
		}
		for _, t := range session.Tokens {
			if t.TokenNumber >= number {
				number = t.TokenNumber + 1
			}
		}
		booked = models.Token{
			TokenNumber: number,
			PatientID:   patientID,
			BookedAt:    s.now().UTC(),
			Status:      models.TokenBooked,
		}
		session.Tokens = append(session.Tokens, booked)
		session.NextTokenNumber = number + 1
		session.Version++
		return nil
	})
	if err != nil {
		return models.Token{}, err
	}
	s.logger.Info("Token booked", "session_id", sessionID, "token_number", booked.TokenNumber)
	s.enqueueRecalculation(ctx, sessionID, booked.TokenNumber, "token.booked")
	return booked, nil
}

// ConfirmBooking moves a paid booking into the waiting line.
func (s *QueueService) ConfirmBooking(ctx context.Context, sessionID string, tokenNumber int) (models.Token, error) {
	return s.AdvanceToken(ctx, sessionID, tokenNumber, models.TokenWaiting)
}

// AdvanceToken applies one transition. On failure nothing is persisted and
// no job is enqueued.
func (s *QueueService) AdvanceToken(ctx context.Context, sessionID string, tokenNumber int, target models.TokenStatus) (models.Token, error) {
	if !target.Valid() {
		return models.Token{}, fmt.Errorf("unknown status %q: %w", target, status.ErrInvalidTransition)
	}

	var (
		advanced models.Token
		from     models.TokenStatus
	)
	_, err := s.store.UpdateSession(ctx, sessionID, func(session *models.Session) error {
		token, ok := session.Token(tokenNumber)
		if !ok {
			return fmt.Errorf("token %d in session %s: %w", tokenNumber, sessionID, status.ErrNotFound)
		}
		from = token.Status
		if !ValidTransition(from, target) {
			return fmt.Errorf("token %d %s -> %s: %w", tokenNumber, from, target, status.ErrInvalidTransition)
		}
		if (target == models.TokenCalled || target == models.TokenServing) && session.Status != models.SessionActive {
			return fmt.Errorf("session %s is %s: %w", sessionID, session.Status, status.ErrInvalidTransition)
		}
		if target == models.TokenServing {
			if serving, busy := session.ServingToken(); busy && serving.TokenNumber != tokenNumber {
				return fmt.Errorf("token %d is serving: %w", serving.TokenNumber, status.ErrConcurrentServing)
			}
		}

		now := s.now().UTC()
		token.Status = target
		switch target {
		case models.TokenWaiting:
			token.ConfirmedAt = &now
		case models.TokenCalled:
			token.CalledAt = &now
		case models.TokenServing:
			token.ServingStartedAt = &now
			number := tokenNumber
			session.CurrentServingToken = &number
		case models.TokenCompleted:
			token.CompletedAt = &now
			if token.ServingStartedAt != nil {
				observed := now.Sub(*token.ServingStartedAt)
				session.AverageConsultationSeconds = eta.UpdateAverage(session.AverageConsultationSeconds, observed, s.config.EMASmoothing)
			}
			session.CurrentServingToken = nil
		case models.TokenNoShow:
			token.NoShowAt = &now
		case models.TokenCancelled:
			token.CancelledAt = &now
		}
		session.Version++
		advanced = *token
		return nil
	})
	if err != nil {
		return models.Token{}, err
	}

	monitoring.TrackTransition(from, target)
	s.logger.Info("Token advanced",
		"session_id", sessionID,
		"token_number", tokenNumber,
		"from", from,
		"to", target,
	)

	s.enqueueRecalculation(ctx, sessionID, tokenNumber, "token."+string(target))
	if target == models.TokenCalled {
		s.enqueue(ctx, models.JobNotificationDispatch, models.JobPayload{
			SessionID:   sessionID,
			TokenNumber: tokenNumber,
			PatientID:   advanced.PatientID,
			Event:       "token.called",
		})
	}
	return advanced, nil
}

// Snapshot returns the last persisted ETAs of a session.
func (s *QueueService) Snapshot(ctx context.Context, sessionID string) (models.EtaSnapshot, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.EtaSnapshot{}, err
	}
	return models.NewEtaSnapshot(session), nil
}

func (s *QueueService) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// RequestRecalculation enqueues an out-of-band recalculation for a session.
func (s *QueueService) RequestRecalculation(ctx context.Context, sessionID string) error {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return s.jobs.Enqueue(ctx, models.JobEtaRecalculation, models.JobPayload{SessionID: sessionID, Event: "manual"})
}

func (s *QueueService) enqueueRecalculation(ctx context.Context, sessionID string, tokenNumber int, event string) {
	s.enqueue(ctx, models.JobEtaRecalculation, models.JobPayload{
		SessionID:   sessionID,
		TokenNumber: tokenNumber,
		Event:       event,
	})
}

// enqueue never fails the caller: the change is already committed and the
// next sweep recomputes the session anyway.
func (s *QueueService) enqueue(ctx context.Context, name models.JobName, payload models.JobPayload) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.Enqueue(ctx, name, payload); err != nil {
		s.logger.Error("Failed to enqueue job", "job", name, "session_id", payload.SessionID, "error", err)
	}
}
