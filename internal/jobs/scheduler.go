package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clinic-queue/internal/status"
	"clinic-queue/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

type cronEntry struct {
	schedule string
	id       cron.EntryID
}

// Scheduler turns one-off requests and cron ticks into queued jobs. Every
// process of a group runs its own cron; a short lease per tick lets exactly
// one of them enqueue.
type Scheduler struct {
	queue   Queue
	store   ScheduleStore
	locker  Locker
	cron    *cron.Cron
	tickTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[models.JobName]cronEntry
	started bool
	startMu sync.Mutex
}

func NewScheduler(queue Queue, store ScheduleStore, locker Locker, tickTTL time.Duration) *Scheduler {
	if tickTTL <= 0 {
		tickTTL = 45 * time.Second
	}
	return &Scheduler{
		queue:   queue,
		store:   store,
		locker:  locker,
		cron:    cron.New(),
		tickTTL: tickTTL,
		now:     time.Now,
		logger:  slog.With("component", "scheduler"),
		entries: make(map[models.JobName]cronEntry),
	}
}

// Enqueue queues a one-off job.
func (s *Scheduler) Enqueue(ctx context.Context, name models.JobName, payload models.JobPayload) error {
	if !name.Valid() {
		return fmt.Errorf("enqueue %q: %w", name, status.ErrUnknownJob)
	}
	return s.enqueue(ctx, models.Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    payload,
		EnqueuedAt: s.now().UTC(),
	})
}

func (s *Scheduler) enqueue(ctx context.Context, job models.Job) error {
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Name, err)
	}
	s.logger.Debug("Job enqueued", "job", job.Name, "job_id", job.ID, "session_id", job.Payload.SessionID)
	return nil
}

// ScheduleRecurring registers name to run on cronExpr. Repeating the same
// pair is a no-op; a new expression replaces the previous one.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, name models.JobName, cronExpr string) error {
	changed, err := s.register(name, cronExpr)
	if err != nil || !changed {
		return err
	}
	if err := s.store.Save(ctx, models.RecurringJob{Name: name, Schedule: cronExpr}); err != nil {
		return fmt.Errorf("persist recurring %s: %w", name, err)
	}
	s.logger.Info("Recurring job scheduled", "job", name, "schedule", cronExpr)
	return nil
}

func (s *Scheduler) register(name models.JobName, cronExpr string) (bool, error) {
	if !name.Valid() {
		return false, fmt.Errorf("schedule %q: %w", name, status.ErrUnknownJob)
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return false, fmt.Errorf("schedule %s %q: %w", name, cronExpr, status.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[name]; ok {
		if existing.schedule == cronExpr {
			return false, nil
		}
		s.cron.Remove(existing.id)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(name, cronExpr) }))
	s.entries[name] = cronEntry{schedule: cronExpr, id: id}
	return true, nil
}

// Recurring lists the registered definitions.
func (s *Scheduler) Recurring() []models.RecurringJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	defs := make(map[string]string, len(s.entries))
	for name, e := range s.entries {
		defs[string(name)] = e.schedule
	}
	return sortedDefinitions(defs)
}

// Start re-registers persisted definitions and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}
	defs, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load recurring jobs: %w", err)
	}
	for _, def := range defs {
		if _, err := s.register(def.Name, def.Schedule); err != nil {
			s.logger.Warn("Skipping persisted recurring job", "job", def.Name, "schedule", def.Schedule, "error", err)
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("Scheduler started", "recurring", len(defs))
	return nil
}

// Stop halts ticking and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) fire(name models.JobName, cronExpr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Tick(ctx, name, cronExpr, s.now()); err != nil {
		s.logger.Error("Recurring job tick failed", "job", name, "error", err)
	}
}

// Tick enqueues one sweep for the tick at t unless another process already
// claimed it. The claim is never released; it expires with the lease TTL.
func (s *Scheduler) Tick(ctx context.Context, name models.JobName, cronExpr string, t time.Time) error {
	tick := t.UTC().Truncate(time.Minute)
	key := fmt.Sprintf("lease:cron:%s:%d", name, tick.Unix())
	if _, err := s.locker.Acquire(ctx, key, s.tickTTL); err != nil {
		if errors.Is(err, status.ErrLeaseNotAcquired) {
			s.logger.Debug("Tick claimed elsewhere", "job", name, "tick", tick)
			return nil
		}
		return err
	}
	return s.enqueue(ctx, models.Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    models.JobPayload{Event: "cron"},
		Schedule:   cronExpr,
		EnqueuedAt: s.now().UTC(),
	})
}
