package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinic-queue/internal/status"
	"clinic-queue/utils"

	"github.com/redis/go-redis/v9"
)

// Lease is an exclusive, expiring claim on a key.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire fails fast with status.ErrLeaseNotAcquired
// when another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

const leaseRetryInterval = 50 * time.Millisecond

// WithLease runs fn while holding key, retrying acquisition until ctx ends.
func WithLease(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	var (
		lease Lease
		err   error
	)
	for {
		lease, err = locker.Acquire(ctx, key, ttl)
		if err == nil {
			break
		}
		if !errors.Is(err, status.ErrLeaseNotAcquired) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lease %s: %w", key, status.ErrLeaseNotAcquired)
		case <-time.After(leaseRetryInterval):
		}
	}
	defer func() {
		// Release on a fresh context so an expired job deadline still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}()
	return fn(ctx)
}

// Delete the key only when it still holds our token.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

var releaseLease = redis.NewScript(releaseScript)

type RedisLocker struct {
	Redis *redis.Client
}

func NewRedisLocker(redisClient *redis.Client) *RedisLocker {
	return &RedisLocker{Redis: redisClient}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token, err := utils.GenerateCode(16)
	if err != nil {
		return nil, err
	}
	ok, err := l.Redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", key, status.ErrLeaseNotAcquired)
	}
	return &redisLease{redis: l.Redis, key: key, token: token}, nil
}

type redisLease struct {
	redis *redis.Client
	key   string
	token string
}

func (l *redisLease) Release(ctx context.Context) error {
	return releaseLease.Run(ctx, l.redis, []string{l.key}, l.token).Err()
}

// LocalLocker is a keyed mutex with expiry for single-process mode.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localEntry
	now    func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token, err := utils.GenerateCode(8)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, fmt.Errorf("lease %s: %w", key, status.ErrLeaseNotAcquired)
	}
	l.leases[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (l *localLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if held, ok := l.locker.leases[l.key]; ok && held.token == l.token {
		delete(l.locker.leases, l.key)
	}
	return nil
}
