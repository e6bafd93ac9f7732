package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinic-queue/models"
)

const (
	QueueReady      = "ready"
	QueueProcessing = "processing"
	QueueDelayed    = "delayed"
	QueueDead       = "dead"
)

// Delivery is a job taken off the ready queue. It must be settled exactly
// once with Ack, Retry or DeadLetter.
type Delivery struct {
	Job models.Job
	raw string
}

// Queue is the durable hand-off between schedulers and workers.
type Queue interface {
	Enqueue(ctx context.Context, job models.Job) error
	// Dequeue waits up to wait for a job. A nil delivery means none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry parks job in the delayed set until at.
	Retry(ctx context.Context, d *Delivery, job models.Job, at time.Time) error
	DeadLetter(ctx context.Context, d *Delivery, job models.Job) error
	// PromoteDue moves delayed jobs whose time has come back to ready.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// RecoverOrphans re-queues jobs this instance took but never settled.
	RecoverOrphans(ctx context.Context) (int, error)
	// Heartbeat marks this instance alive for ttl.
	Heartbeat(ctx context.Context, ttl time.Duration) error
	// ReapAbandoned re-queues jobs held by instances whose heartbeat expired.
	ReapAbandoned(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, limit int64) ([]models.Job, error)
	Lengths(ctx context.Context) (map[string]int64, error)
}

const deadLetterCap = 1000

type delayedJob struct {
	job models.Job
	at  time.Time
}

// MemoryQueue serves single-process mode and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []models.Job
	processing map[string]models.Job
	delayed    []delayedJob
	dead       []models.Job
	notify     chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		processing: make(map[string]models.Job),
		notify:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.Job) error {
	q.mu.Lock()
	q.ready = append(q.ready, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			q.processing[job.ID] = job
			remaining := len(q.ready)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return &Delivery{Job: job}, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, d.Job.ID)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, d *Delivery, job models.Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, d.Job.ID)
	q.delayed = append(q.delayed, delayedJob{job: job, at: at})
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, d *Delivery, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, d.Job.ID)
	q.dead = append([]models.Job{job}, q.dead...)
	if len(q.dead) > deadLetterCap {
		q.dead = q.dead[:deadLetterCap]
	}
	return nil
}

func (q *MemoryQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	promoted := 0
	for promoted < len(q.delayed) && !q.delayed[promoted].at.After(now) {
		q.ready = append(q.ready, q.delayed[promoted].job)
		promoted++
	}
	q.delayed = q.delayed[promoted:]
	q.mu.Unlock()
	if promoted > 0 {
		q.signal()
	}
	return promoted, nil
}

func (q *MemoryQueue) RecoverOrphans(ctx context.Context) (int, error) {
	q.mu.Lock()
	recovered := 0
	for id, job := range q.processing {
		q.ready = append(q.ready, job)
		delete(q.processing, id)
		recovered++
	}
	q.mu.Unlock()
	if recovered > 0 {
		q.signal()
	}
	return recovered, nil
}

// Heartbeat is a no-op: a memory queue dies with its only instance.
func (q *MemoryQueue) Heartbeat(ctx context.Context, ttl time.Duration) error { return nil }

func (q *MemoryQueue) ReapAbandoned(ctx context.Context) (int, error) { return 0, nil }

func (q *MemoryQueue) ListDeadLetters(ctx context.Context, limit int64) ([]models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.dead))
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Job, n)
	copy(out, q.dead[:n])
	return out, nil
}

func (q *MemoryQueue) Lengths(ctx context.Context) (map[string]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]int64{
		QueueReady:      int64(len(q.ready)),
		QueueProcessing: int64(len(q.processing)),
		QueueDelayed:    int64(len(q.delayed)),
		QueueDead:       int64(len(q.dead)),
	}, nil
}
