package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"clinic-queue/internal/status"
	"clinic-queue/internal/store"
	"clinic-queue/models"

	"github.com/redis/go-redis/v9"
)

const (
	maxTxRetries   = 10
	retryBaseDelay = 2 * time.Millisecond
	retryMaxDelay  = 50 * time.Millisecond
)

// Store keeps each session as one JSON document under session:{id} and
// indexes ids by status in sessions:status:{status} sets. Updates use
// optimistic WATCH/MULTI so every process shares one consistent view.
type Store struct {
	Redis *redis.Client
	// wait before the given retry of a conflicted update
	backoff func(attempt int) time.Duration
}

var _ store.SessionStore = (*Store)(nil)

func NewStore(redisClient *redis.Client) *Store {
	return &Store{Redis: redisClient, backoff: jitteredBackoff}
}

// jitteredBackoff doubles from retryBaseDelay up to retryMaxDelay and picks a
// random point below that, so writers that collided spread out.
func jitteredBackoff(attempt int) time.Duration {
	ceiling := retryBaseDelay << attempt
	if ceiling <= 0 || ceiling > retryMaxDelay {
		ceiling = retryMaxDelay
	}
	return ceiling/2 + rand.N(ceiling/2)
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func statusKey(st models.SessionStatus) string {
	return fmt.Sprintf("sessions:status:%s", st)
}

func allStatuses() []models.SessionStatus {
	return []models.SessionStatus{models.SessionScheduled, models.SessionActive, models.SessionClosed}
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	raw, err := s.Redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return decode(raw)
}

func (s *Store) CreateSession(ctx context.Context, session models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	created, err := s.Redis.SetNX(ctx, sessionKey(session.SessionID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.SessionID, err)
	}
	if !created {
		return fmt.Errorf("session %s: %w", session.SessionID, status.ErrSessionExists)
	}
	if err := s.Redis.SAdd(ctx, statusKey(session.Status), session.SessionID).Err(); err != nil {
		return fmt.Errorf("index session %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn store.UpdateFunc) (models.Session, error) {
	key := sessionKey(sessionID)
	var result models.Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
		}
		if err != nil {
			return err
		}
		session, err := decode(raw)
		if err != nil {
			return err
		}
		previous := session.Status
		if err := fn(&session); err != nil {
			return err
		}
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if previous != session.Status {
				pipe.SRem(ctx, statusKey(previous), sessionID)
				pipe.SAdd(ctx, statusKey(session.Status), sessionID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = session
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.Redis.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return models.Session{}, err
		}
		slog.Debug("Session update conflicted, retrying", "session_id", sessionID, "attempt", i+1)
		if err := sleepCtx(ctx, s.backoff(i)); err != nil {
			return models.Session{}, err
		}
	}
	return models.Session{}, fmt.Errorf("update session %s: %w", sessionID, status.ErrStoreContention)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) ListSessionIDs(ctx context.Context, st models.SessionStatus) ([]string, error) {
	if st != "" {
		ids, err := s.Redis.SMembers(ctx, statusKey(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("list sessions %s: %w", st, err)
		}
		return ids, nil
	}
	keys := make([]string, 0, 3)
	for _, candidate := range allStatuses() {
		keys = append(keys, statusKey(candidate))
	}
	ids, err := s.Redis.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

func decode(raw []byte) (models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return models.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}
