package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)

func TestAllow_Redis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	limiter := NewRateLimiter(db, 2)
	limiter.now = func() time.Time { return fixedNow }

	key := "ratelimit:user:u1:29540760"
	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, time.Minute).SetVal(true)
	mock.ExpectIncr(key).SetVal(2)
	mock.ExpectIncr(key).SetVal(3)

	ctx := context.Background()
	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(ctx, "user:u1")
		require.NoError(t, err)
		assert.Equal(t, want, allowed, "request %d", i+1)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_RedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	limiter := NewRateLimiter(db, 2)
	limiter.now = func() time.Time { return fixedNow }

	mock.ExpectIncr("ratelimit:ip:10.0.0.1:29540760").SetErr(errors.New("connection refused"))
	_, err := limiter.Allow(context.Background(), "ip:10.0.0.1")
	assert.Error(t, err)
}

func TestAllow_LocalWindowResets(t *testing.T) {
	limiter := NewRateLimiter(nil, 1)
	now := fixedNow
	limiter.now = func() time.Time { return now }

	allowed, _ := limiter.Allow(context.Background(), "ip:a")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow(context.Background(), "ip:a")
	assert.False(t, allowed)
	allowed, _ = limiter.Allow(context.Background(), "ip:b")
	assert.True(t, allowed, "callers are counted separately")

	now = now.Add(time.Minute)
	allowed, _ = limiter.Allow(context.Background(), "ip:a")
	assert.True(t, allowed)
}

func TestMiddleware(t *testing.T) {
	limiter := NewRateLimiter(nil, 1)
	limiter.now = func() time.Time { return fixedNow }

	staff := core.NewRecord(core.NewBaseCollection("users"))
	staff.Id = "staff1"
	call := func(ua string) error {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/S1/tokens", nil)
		req.Header.Set("User-Agent", ua)
		e := &core.RequestEvent{Auth: staff}
		e.Request = req
		e.Response = httptest.NewRecorder()
		return limiter.Middleware(e)
	}
	status := func(err error) int {
		var apiErr *router.ApiError
		require.True(t, errors.As(err, &apiErr))
		return apiErr.Status
	}

	assert.Equal(t, http.StatusForbidden, status(call("Googlebot/2.1")))
	assert.NoError(t, call("Mozilla/5.0"))
	assert.Equal(t, http.StatusTooManyRequests, status(call("Mozilla/5.0")))
}

func TestMiddleware_AnonymousCountedByIP(t *testing.T) {
	app, err := tests.NewTestApp()
	require.NoError(t, err)
	defer app.Cleanup()

	limiter := NewRateLimiter(nil, 1)
	limiter.now = func() time.Time { return fixedNow }
	call := func(remoteAddr string) error {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/S1/tokens", nil)
		req.RemoteAddr = remoteAddr
		e := &core.RequestEvent{App: app}
		e.Request = req
		e.Response = httptest.NewRecorder()
		return limiter.Middleware(e)
	}

	assert.NoError(t, call("192.0.2.1:1234"))
	var apiErr *router.ApiError
	require.True(t, errors.As(call("192.0.2.1:5678"), &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.NoError(t, call("198.51.100.7:1234"), "another address has its own budget")
}

func TestIsSuspiciousUserAgent(t *testing.T) {
	assert.True(t, isSuspiciousUserAgent("Some-Crawler/1.0"))
	assert.False(t, isSuspiciousUserAgent("Mozilla/5.0 (iPhone)"))
}
