package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter caps mutating requests per caller per minute. With a Redis
// client the counters are shared by every instance; without one each
// process counts on its own.
type RateLimiter struct {
	redis *redis.Client
	limit int64
	now   func() time.Time

	mu    sync.Mutex
	local map[string]int64
	// window the local counters belong to
	window int64
}

func NewRateLimiter(redisClient *redis.Client, perMinute int) *RateLimiter {
	return &RateLimiter{
		redis: redisClient,
		limit: int64(perMinute),
		now:   time.Now,
		local: make(map[string]int64),
	}
}

// Middleware rejects crawler user agents and callers over the per-minute
// budget. A limit of zero or less disables counting.
func (r *RateLimiter) Middleware(e *core.RequestEvent) error {
	if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return apis.NewForbiddenError("Access denied", nil)
	}
	if r.limit <= 0 {
		return e.Next()
	}

	var caller string
	if e.Auth != nil {
		caller = "user:" + e.Auth.Id
	} else {
		caller = "ip:" + e.RealIP()
	}
	allowed, err := r.Allow(e.Request.Context(), caller)
	if err != nil {
		// fail open
		slog.Warn("Rate limit check failed", "caller", caller, "error", err)
		return e.Next()
	}
	if !allowed {
		return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
	}
	return e.Next()
}

// Allow counts one request for caller in the current minute window.
func (r *RateLimiter) Allow(ctx context.Context, caller string) (bool, error) {
	window := r.now().Unix() / 60
	if r.redis == nil {
		return r.allowLocal(caller, window), nil
	}

	key := fmt.Sprintf("ratelimit:%s:%d", caller, window)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		r.redis.Expire(ctx, key, time.Minute)
	}
	return count <= r.limit, nil
}

func (r *RateLimiter) allowLocal(caller string, window int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if window != r.window {
		r.window = window
		r.local = make(map[string]int64)
	}
	r.local[caller]++
	return r.local[caller] <= r.limit
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	lower := strings.ToLower(ua)
	for _, pattern := range suspicious {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
