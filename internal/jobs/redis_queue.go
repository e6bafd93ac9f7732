package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clinic-queue/models"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey          = "jobs:ready"
	delayedKey        = "jobs:delayed"
	deadKey           = "jobs:dead"
	processingPattern = "jobs:processing:*"
)

const scanBatch = 100

const promoteBatch = 100

// Move due members of the delayed set onto the ready list in one step so two
// promoters never duplicate a job.
const promoteDueScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`

var promoteDue = redis.NewScript(promoteDueScript)

// RedisQueue shares jobs between processes. Dequeue moves a job atomically
// onto this instance's processing list; settling removes it from there.
type RedisQueue struct {
	Redis         *redis.Client
	instanceID    string
	processingKey string
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(redisClient *redis.Client, instanceID string) *RedisQueue {
	return &RedisQueue{
		Redis:         redisClient,
		instanceID:    instanceID,
		processingKey: processingKeyFor(instanceID),
	}
}

func processingKeyFor(instanceID string) string {
	return "jobs:processing:" + instanceID
}

func heartbeatKeyFor(instanceID string) string {
	return "jobs:heartbeat:" + instanceID
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.Redis.LPush(ctx, readyKey, data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := q.Redis.BLMove(ctx, readyKey, q.processingKey, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable entries would loop forever; park them with the dead letters.
		q.Redis.LRem(ctx, q.processingKey, 1, raw)
		q.Redis.LPush(ctx, deadKey, raw)
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &Delivery{Job: job, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.Redis.LRem(ctx, q.processingKey, 1, d.raw).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, job models.Job, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, d.raw)
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(at.UnixMilli()), Member: string(data)})
		return nil
	})
	return err
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, d.raw)
		pipe.LPush(ctx, deadKey, data)
		pipe.LTrim(ctx, deadKey, 0, deadLetterCap-1)
		return nil
	})
	return err
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteDue.Run(ctx, q.Redis,
		[]string{delayedKey, readyKey},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) RecoverOrphans(ctx context.Context) (int, error) {
	return q.drain(ctx, q.processingKey)
}

// drain moves every job on a processing list back to the ready list.
func (q *RedisQueue) drain(ctx context.Context, processingKey string) (int, error) {
	recovered := 0
	for {
		err := q.Redis.LMove(ctx, processingKey, readyKey, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
}

func (q *RedisQueue) Heartbeat(ctx context.Context, ttl time.Duration) error {
	return q.Redis.Set(ctx, heartbeatKeyFor(q.instanceID), q.instanceID, ttl).Err()
}

// ReapAbandoned drains the processing lists of instances whose heartbeat
// key has expired. A job is redelivered at least once, never lost.
func (q *RedisQueue) ReapAbandoned(ctx context.Context) (int, error) {
	keys, err := q.processingKeys(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, key := range keys {
		if key == q.processingKey {
			continue
		}
		owner := strings.TrimPrefix(key, "jobs:processing:")
		alive, err := q.Redis.Exists(ctx, heartbeatKeyFor(owner)).Result()
		if err != nil {
			return reaped, err
		}
		if alive > 0 {
			continue
		}
		n, err := q.drain(ctx, key)
		reaped += n
		if err != nil {
			return reaped, fmt.Errorf("reap %s: %w", owner, err)
		}
	}
	return reaped, nil
}

func (q *RedisQueue) processingKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := q.Redis.Scan(ctx, cursor, processingPattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan processing lists: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int64) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.Redis.LRange(ctx, deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Job, 0, len(raws))
	for _, raw := range raws {
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Lengths counts processing jobs across every instance, so jobs held by a
// dead instance stay visible until they are reaped.
func (q *RedisQueue) Lengths(ctx context.Context) (map[string]int64, error) {
	keys, err := q.processingKeys(ctx)
	if err != nil {
		return nil, err
	}
	pipe := q.Redis.Pipeline()
	ready := pipe.LLen(ctx, readyKey)
	processing := make([]*redis.IntCmd, 0, len(keys))
	for _, key := range keys {
		processing = append(processing, pipe.LLen(ctx, key))
	}
	delayed := pipe.ZCard(ctx, delayedKey)
	dead := pipe.LLen(ctx, deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	var inFlight int64
	for _, cmd := range processing {
		inFlight += cmd.Val()
	}
	return map[string]int64{
		QueueReady:      ready.Val(),
		QueueProcessing: inFlight,
		QueueDelayed:    delayed.Val(),
		QueueDead:       dead.Val(),
	}, nil
}
