package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"clinic-queue/models"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string) models.Job {
	return models.Job{
		ID:         id,
		Name:       models.JobEtaRecalculation,
		Payload:    models.JobPayload{SessionID: "S1"},
		EnqueuedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))
	require.NoError(t, q.Enqueue(ctx, testJob("b")))

	first, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, "a", first.Job.ID)
	assert.Equal(t, "b", second.Job.ID)

	lengths, err := q.Lengths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lengths[QueueProcessing])

	require.NoError(t, q.Ack(ctx, first))
	lengths, _ = q.Lengths(ctx)
	assert.Equal(t, int64(1), lengths[QueueProcessing])
}

func TestMemoryQueue_DequeueTimesOut(t *testing.T) {
	q := NewMemoryQueue()

	d, err := q.Dequeue(context.Background(), 10*time.Millisecond)

	assert.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemoryQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Enqueue(context.Background(), testJob("late"))
	}()

	d, err := q.Dequeue(context.Background(), time.Second)

	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "late", d.Job.ID)
}

func TestMemoryQueue_RetryAndPromote(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, q.Enqueue(ctx, testJob("a")))
	d, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)

	retried := d.Job
	retried.Attempts = 1
	require.NoError(t, q.Retry(ctx, d, retried, now.Add(2*time.Second)))

	n, err := q.PromoteDue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteDue(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Job.Attempts)
}

func TestMemoryQueue_DeadLetterAndRecover(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("a")))
	require.NoError(t, q.Enqueue(ctx, testJob("b")))

	a, _ := q.Dequeue(ctx, time.Millisecond)
	_, _ = q.Dequeue(ctx, time.Millisecond)

	dead := a.Job
	dead.LastError = "boom"
	require.NoError(t, q.DeadLetter(ctx, a, dead))

	letters, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "boom", letters[0].LastError)

	// b was taken but never settled.
	recovered, err := q.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	d, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "b", d.Job.ID)
}

func setupRedisQueue() (*RedisQueue, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return NewRedisQueue(db, "node-1"), mock
}

func TestRedisQueue_Enqueue(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	job := testJob("a")
	data, err := json.Marshal(job)
	require.NoError(t, err)
	mock.ExpectLPush("jobs:ready", data).SetVal(1)

	require.NoError(t, q.Enqueue(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_DequeueAndAck(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	data, err := json.Marshal(testJob("a"))
	require.NoError(t, err)
	mock.ExpectBLMove("jobs:ready", "jobs:processing:node-1", "RIGHT", "LEFT", time.Second).SetVal(string(data))
	mock.ExpectLRem("jobs:processing:node-1", 1, string(data)).SetVal(1)

	d, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "a", d.Job.ID)

	require.NoError(t, q.Ack(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_DequeueEmpty(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	mock.ExpectBLMove("jobs:ready", "jobs:processing:node-1", "RIGHT", "LEFT", time.Second).RedisNil()

	d, err := q.Dequeue(context.Background(), time.Second)

	assert.NoError(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_PromoteDue(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectEvalSha(promoteDue.Hash(), []string{"jobs:delayed", "jobs:ready"},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch).SetVal(int64(3))

	n, err := q.PromoteDue(context.Background(), now)

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_RecoverOrphans(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	mock.ExpectLMove("jobs:processing:node-1", "jobs:ready", "RIGHT", "LEFT").SetVal("x")
	mock.ExpectLMove("jobs:processing:node-1", "jobs:ready", "RIGHT", "LEFT").SetVal("y")
	mock.ExpectLMove("jobs:processing:node-1", "jobs:ready", "RIGHT", "LEFT").RedisNil()

	n, err := q.RecoverOrphans(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_ListDeadLetters(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	good, _ := json.Marshal(testJob("a"))
	mock.ExpectLRange("jobs:dead", 0, 9).SetVal([]string{string(good), "{broken"})

	letters, err := q.ListDeadLetters(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "a", letters[0].ID)
}

func TestRedisQueue_ListDeadLettersError(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	mock.ExpectLRange("jobs:dead", 0, 99).SetErr(errors.New("down"))

	_, err := q.ListDeadLetters(context.Background(), 0)

	assert.Error(t, err)
}

func TestRedisQueue_Heartbeat(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	mock.ExpectSet("jobs:heartbeat:node-1", "node-1", 30*time.Second).SetVal("OK")

	require.NoError(t, q.Heartbeat(context.Background(), 30*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_ReapAbandoned(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	mock.ExpectScan(0, "jobs:processing:*", 100).SetVal(
		[]string{"jobs:processing:node-1", "jobs:processing:node-2"}, 7)
	mock.ExpectScan(7, "jobs:processing:*", 100).SetVal(
		[]string{"jobs:processing:node-3"}, 0)
	// node-2 is gone, node-3 is still beating
	mock.ExpectExists("jobs:heartbeat:node-2").SetVal(0)
	mock.ExpectLMove("jobs:processing:node-2", "jobs:ready", "RIGHT", "LEFT").SetVal("x")
	mock.ExpectLMove("jobs:processing:node-2", "jobs:ready", "RIGHT", "LEFT").SetVal("y")
	mock.ExpectLMove("jobs:processing:node-2", "jobs:ready", "RIGHT", "LEFT").RedisNil()
	mock.ExpectExists("jobs:heartbeat:node-3").SetVal(1)

	n, err := q.ReapAbandoned(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_ReapAbandonedScanError(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	mock.ExpectScan(0, "jobs:processing:*", 100).SetErr(errors.New("down"))

	n, err := q.ReapAbandoned(context.Background())

	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestRedisQueue_LengthsCountsEveryInstance(t *testing.T) {
	q, mock := setupRedisQueue()
	defer mock.ClearExpect()

	mock.ExpectScan(0, "jobs:processing:*", 100).SetVal(
		[]string{"jobs:processing:node-1", "jobs:processing:node-2"}, 0)
	mock.ExpectLLen("jobs:ready").SetVal(4)
	mock.ExpectLLen("jobs:processing:node-1").SetVal(1)
	mock.ExpectLLen("jobs:processing:node-2").SetVal(2)
	mock.ExpectZCard("jobs:delayed").SetVal(5)
	mock.ExpectLLen("jobs:dead").SetVal(0)

	lengths, err := q.Lengths(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(4), lengths[QueueReady])
	assert.Equal(t, int64(3), lengths[QueueProcessing])
	assert.Equal(t, int64(5), lengths[QueueDelayed])
	assert.Equal(t, int64(0), lengths[QueueDead])
	assert.NoError(t, mock.ExpectationsWereMet())
}
