package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"clinic-queue/config"
	"clinic-queue/internal/status"
	"clinic-queue/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		WorkerPoolSize: 2,
		JobTimeout:     200 * time.Millisecond,
		JobMaxAttempts: 3,
		JobBackoffBase: 2 * time.Second,
		JobBackoffMax:  2 * time.Minute,
		PollInterval:   10 * time.Millisecond,
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{7, 2 * time.Minute},
		{40, 2 * time.Minute},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, Backoff(2*time.Second, 2*time.Minute, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, job models.Job) error { return nil }

	assert.ErrorIs(t, r.Register("Bogus", noop), status.ErrUnknownJob)
	assert.Error(t, r.Register(models.JobAutoNoShow, nil))
	require.NoError(t, r.Register(models.JobAutoNoShow, noop))

	_, ok := r.Lookup(models.JobAutoNoShow)
	assert.True(t, ok)
	_, ok = r.Lookup(models.JobEtaRecalculation)
	assert.False(t, ok)
	assert.Equal(t, []models.JobName{models.JobAutoNoShow}, r.Names())
}

func TestWorker_ProcessSuccess(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRegistry()
	var got models.Job
	require.NoError(t, r.Register(models.JobEtaRecalculation, func(ctx context.Context, job models.Job) error {
		got = job
		return nil
	}))
	w := NewWorker(q, r, testConfig())
	require.NoError(t, q.Enqueue(context.Background(), testJob("a")))

	handled, err := w.ProcessNext(context.Background())

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 1, got.Attempts)
	lengths, _ := q.Lengths(context.Background())
	assert.Zero(t, lengths[QueueProcessing])
	assert.Zero(t, lengths[QueueDelayed])
}

func TestWorker_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRegistry()
	var calls int32
	require.NoError(t, r.Register(models.JobEtaRecalculation, func(ctx context.Context, job models.Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("store unavailable")
	}))
	w := NewWorker(q, r, testConfig())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))

	// Attempt 1 fails and is parked for 2s.
	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	lengths, _ := q.Lengths(ctx)
	assert.Equal(t, int64(1), lengths[QueueDelayed])
	n, _ := q.PromoteDue(ctx, now.Add(time.Second))
	assert.Zero(t, n)
	n, _ = q.PromoteDue(ctx, now.Add(2*time.Second))
	assert.Equal(t, 1, n)

	// Attempt 2 fails and is parked for 4s.
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	n, _ = q.PromoteDue(ctx, now.Add(3*time.Second))
	assert.Zero(t, n)
	n, _ = q.PromoteDue(ctx, now.Add(4*time.Second))
	assert.Equal(t, 1, n)

	// Attempt 3 exhausts the budget.
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	letters, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].LastError, "store unavailable")
	assert.Contains(t, letters[0].LastError, "attempt 3")
}

func TestWorker_UnknownJobDeadLetteredImmediately(t *testing.T) {
	q := NewMemoryQueue()
	w := NewWorker(q, NewRegistry(), testConfig())
	ctx := context.Background()
	job := testJob("a")
	job.Name = models.JobPayoutReconciliation
	require.NoError(t, q.Enqueue(ctx, job))

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)

	letters, _ := q.ListDeadLetters(ctx, 10)
	require.Len(t, letters, 1)
	assert.Equal(t, 0, letters[0].Attempts)
	assert.Equal(t, status.ErrUnknownJob.Error(), letters[0].LastError)
}

func TestWorker_HandlerBoundedByTimeout(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRegistry()
	require.NoError(t, r.Register(models.JobEtaRecalculation, func(ctx context.Context, job models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	w := NewWorker(q, r, cfg)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))

	start := time.Now()
	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	lengths, _ := q.Lengths(ctx)
	assert.Equal(t, int64(1), lengths[QueueDelayed])
}

func TestWorker_PanicIsAFailure(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRegistry()
	require.NoError(t, r.Register(models.JobEtaRecalculation, func(ctx context.Context, job models.Job) error {
		panic("nil map")
	}))
	w := NewWorker(q, r, testConfig())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))

	assert.NotPanics(t, func() { _, _ = w.ProcessNext(ctx) })
	lengths, _ := q.Lengths(ctx)
	assert.Equal(t, int64(1), lengths[QueueDelayed])
}

func TestWorker_StartAndShutdown(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRegistry()
	done := make(chan string, 10)
	require.NoError(t, r.Register(models.JobEtaRecalculation, func(ctx context.Context, job models.Job) error {
		done <- job.ID
		return nil
	}))
	w := NewWorker(q, r, testConfig())
	ctx := context.Background()

	// Left unsettled by a previous run of this instance.
	require.NoError(t, q.Enqueue(ctx, testJob("orphan")))
	_, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, w.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, testJob("fresh")))

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("jobs not processed, saw %v", seen)
		}
	}
	w.Shutdown(time.Second)
	w.Shutdown(time.Second)

	assert.True(t, seen["orphan"])
	assert.True(t, seen["fresh"])
}

type beatingQueue struct {
	*MemoryQueue
	beats atomic.Int64
	reaps atomic.Int64
}

func (q *beatingQueue) Heartbeat(ctx context.Context, ttl time.Duration) error {
	q.beats.Add(1)
	return nil
}

func (q *beatingQueue) ReapAbandoned(ctx context.Context) (int, error) {
	q.reaps.Add(1)
	return 0, nil
}

func TestWorker_HeartbeatsAndReaps(t *testing.T) {
	q := &beatingQueue{MemoryQueue: NewMemoryQueue()}
	cfg := testConfig()
	cfg.HeartbeatTTL = 30 * time.Millisecond
	w := NewWorker(q, NewRegistry(), cfg)

	require.NoError(t, w.Start(context.Background()))
	// Start beats and reaps once before the pool runs.
	assert.GreaterOrEqual(t, q.beats.Load(), int64(1))
	assert.GreaterOrEqual(t, q.reaps.Load(), int64(1))

	assert.Eventually(t, func() bool {
		return q.beats.Load() >= 3 && q.reaps.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	w.Shutdown(time.Second)
}

type deadHeartQueue struct{ *MemoryQueue }

func (deadHeartQueue) Heartbeat(ctx context.Context, ttl time.Duration) error {
	return errors.New("redis down")
}

func TestWorker_StartFailsWithoutHeartbeat(t *testing.T) {
	w := NewWorker(deadHeartQueue{NewMemoryQueue()}, NewRegistry(), testConfig())

	assert.Error(t, w.Start(context.Background()))
}
