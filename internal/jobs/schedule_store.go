package jobs

import (
	"context"
	"sort"
	"sync"

	"clinic-queue/models"

	"github.com/redis/go-redis/v9"
)

const recurringKey = "jobs:recurring"

// ScheduleStore persists recurring job definitions, one per job name, so a
// restarted process re-registers them.
type ScheduleStore interface {
	Save(ctx context.Context, def models.RecurringJob) error
	Load(ctx context.Context) ([]models.RecurringJob, error)
}

type RedisScheduleStore struct {
	Redis *redis.Client
}

func NewRedisScheduleStore(redisClient *redis.Client) *RedisScheduleStore {
	return &RedisScheduleStore{Redis: redisClient}
}

func (s *RedisScheduleStore) Save(ctx context.Context, def models.RecurringJob) error {
	return s.Redis.HSet(ctx, recurringKey, string(def.Name), def.Schedule).Err()
}

func (s *RedisScheduleStore) Load(ctx context.Context) ([]models.RecurringJob, error) {
	all, err := s.Redis.HGetAll(ctx, recurringKey).Result()
	if err != nil {
		return nil, err
	}
	return sortedDefinitions(all), nil
}

type MemoryScheduleStore struct {
	mu   sync.Mutex
	defs map[string]string
}

func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{defs: make(map[string]string)}
}

func (s *MemoryScheduleStore) Save(ctx context.Context, def models.RecurringJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[string(def.Name)] = def.Schedule
	return nil
}

func (s *MemoryScheduleStore) Load(ctx context.Context) ([]models.RecurringJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedDefinitions(s.defs), nil
}

func sortedDefinitions(m map[string]string) []models.RecurringJob {
	defs := make([]models.RecurringJob, 0, len(m))
	for name, schedule := range m {
		defs = append(defs, models.RecurringJob{Name: models.JobName(name), Schedule: schedule})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
