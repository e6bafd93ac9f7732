package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clinic-queue/config"
	"clinic-queue/internal/status"
	"clinic-queue/models"
	"clinic-queue/monitoring"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Worker pulls jobs from the queue with a fixed pool of goroutines and
// dispatches them through the registry.
type Worker struct {
	queue       Queue
	registry    *Registry
	poolSize    int
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	poll        time.Duration
	// heartbeat key lifetime; refreshed every third of it
	heartbeatTTL time.Duration

	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time

	stopChan         chan struct{}
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	activeGoroutines int64
	once             sync.Once
}

func NewWorker(queue Queue, registry *Registry, cfg *config.Config) *Worker {
	w := &Worker{
		queue:        queue,
		registry:     registry,
		poolSize:     cfg.WorkerPoolSize,
		timeout:      cfg.JobTimeout,
		maxAttempts:  cfg.JobMaxAttempts,
		backoffBase:  cfg.JobBackoffBase,
		backoffMax:   cfg.JobBackoffMax,
		poll:         cfg.PollInterval,
		heartbeatTTL: cfg.HeartbeatTTL,
		tracer:       otel.Tracer("clinic-queue/jobs"),
		logger:       slog.With("component", "worker"),
		now:          time.Now,
		stopChan:     make(chan struct{}),
	}
	if w.poolSize <= 0 {
		w.poolSize = 1
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 1
	}
	if w.poll <= 0 {
		w.poll = time.Second
	}
	if w.timeout <= 0 {
		w.timeout = 30 * time.Second
	}
	if w.heartbeatTTL <= 0 {
		w.heartbeatTTL = 30 * time.Second
	}
	return w
}

// Start announces this instance, recovers jobs it or any dead instance left
// unsettled, then starts the pool, the delayed-job promoter and the
// heartbeat.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.Heartbeat(ctx, w.heartbeatTTL); err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	recovered, err := w.queue.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if recovered > 0 {
		w.logger.Warn("Recovered orphaned jobs", "count", recovered)
	}
	w.reap(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.poolSize; i++ {
		w.wg.Add(1)
		go w.loop(loopCtx, i)
	}
	w.wg.Add(1)
	go w.promoter(loopCtx)
	w.wg.Add(1)
	go w.heartbeat(loopCtx)

	w.logger.Info("Worker pool started", "pool_size", w.poolSize, "handlers", w.registry.Names())
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	defer w.wg.Done()
	atomic.AddInt64(&w.activeGoroutines, 1)
	defer atomic.AddInt64(&w.activeGoroutines, -1)

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		if _, err := w.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Dequeue failed", "worker", id, "error", err)
			select {
			case <-w.stopChan:
				return
			case <-time.After(w.poll):
			}
		}
	}
}

func (w *Worker) promoter(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := w.queue.PromoteDue(ctx, w.now()); err != nil {
				w.logger.Error("Promoting delayed jobs failed", "error", err)
			} else if n > 0 {
				w.logger.Debug("Promoted delayed jobs", "count", n)
			}
		case <-w.stopChan:
			return
		}
	}
}

// heartbeat keeps this instance's processing list claimed and drains the
// lists of instances that stopped beating.
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.heartbeatTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, w.heartbeatTTL); err != nil {
				w.logger.Error("Worker heartbeat failed", "error", err)
			}
			w.reap(ctx)
		case <-w.stopChan:
			return
		}
	}
}

func (w *Worker) reap(ctx context.Context) {
	n, err := w.queue.ReapAbandoned(ctx)
	if err != nil {
		w.logger.Error("Reaping abandoned jobs failed", "error", err)
	}
	if n > 0 {
		w.logger.Warn("Re-queued jobs from a dead instance", "count", n)
	}
}

// ProcessNext waits one poll interval for a job and runs it. It reports
// whether a job was handled.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	d, err := w.queue.Dequeue(ctx, w.poll)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	w.process(d)
	return true, nil
}

func (w *Worker) process(d *Delivery) {
	job := d.Job
	// Settle on a context of its own so shutdown never strands a delivery.
	settleCtx, cancelSettle := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSettle()

	logger := w.logger.With("job", job.Name, "job_id", job.ID, "session_id", job.Payload.SessionID)

	handler, ok := w.registry.Lookup(job.Name)
	if !ok {
		job.LastError = status.ErrUnknownJob.Error()
		if err := w.queue.DeadLetter(settleCtx, d, job); err != nil {
			logger.Error("Failed to dead-letter job", "error", err)
		}
		monitoring.TrackJob(job.Name, "unknown", 0)
		logger.Error("Unknown job dead-lettered")
		return
	}

	job.Attempts++
	start := w.now()
	err := w.run(handler, job)
	elapsed := w.now().Sub(start)

	if err == nil {
		if ackErr := w.queue.Ack(settleCtx, d); ackErr != nil {
			logger.Error("Failed to ack job", "error", ackErr)
		}
		monitoring.TrackJob(job.Name, "success", elapsed)
		logger.Debug("Job completed", "attempt", job.Attempts, "duration", elapsed)
		return
	}

	execErr := &status.JobExecutionError{JobID: job.ID, JobName: string(job.Name), Attempt: job.Attempts, Err: err}
	job.LastError = execErr.Error()

	if job.Attempts >= w.maxAttempts {
		if dlErr := w.queue.DeadLetter(settleCtx, d, job); dlErr != nil {
			logger.Error("Failed to dead-letter job", "error", dlErr)
		}
		monitoring.TrackJob(job.Name, "dead_letter", elapsed)
		logger.Error("Job dead-lettered", "attempts", job.Attempts, "error", execErr)
		return
	}

	delay := Backoff(w.backoffBase, w.backoffMax, job.Attempts)
	at := w.now().Add(delay)
	job.NotBefore = &at
	if retryErr := w.queue.Retry(settleCtx, d, job, at); retryErr != nil {
		logger.Error("Failed to schedule retry", "error", retryErr)
	}
	monitoring.TrackJob(job.Name, "retry", elapsed)
	logger.Warn("Job failed, retrying", "attempt", job.Attempts, "retry_in", delay, "error", err)
}

func (w *Worker) run(handler Handler, job models.Job) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	ctx, span := w.tracer.Start(ctx, "job."+string(job.Name), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.name", string(job.Name)),
		attribute.Int("job.attempt", job.Attempts),
		attribute.String("session.id", job.Payload.SessionID),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return handler(ctx, job)
}

// Backoff returns base doubled per previous attempt, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if limit > 0 && delay >= limit {
			return limit
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// Shutdown stops taking new jobs and waits for running ones, up to timeout.
func (w *Worker) Shutdown(timeout time.Duration) {
	w.once.Do(func() {
		w.logger.Info("Shutting down worker pool...")
		close(w.stopChan)
		if w.cancel != nil {
			w.cancel()
		}

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			w.logger.Info("All workers stopped gracefully")
		case <-time.After(timeout):
			w.logger.Warn("Timeout waiting for workers to stop", "active", atomic.LoadInt64(&w.activeGoroutines))
		}
	})
}
