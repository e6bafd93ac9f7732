package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clinic-queue/config"
	"clinic-queue/internal/jobs"
	"clinic-queue/internal/services"
	"clinic-queue/internal/status"
	"clinic-queue/internal/store/memory"
	"clinic-queue/models"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(method, target, body string, path map[string]string) (*core.RequestEvent, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range path {
		req.SetPathValue(k, v)
	}
	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	return e, rec
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *router.ApiError
	require.True(t, errors.As(err, &apiErr), "expected an api error, got %v", err)
	return apiErr.Status
}

func setupHandler(t *testing.T) (*SessionHandler, *services.QueueService) {
	t.Helper()
	cfg := &config.Config{DefaultConsultation: 10 * time.Minute, EMASmoothing: 0.3}
	scheduler := jobs.NewScheduler(jobs.NewMemoryQueue(), jobs.NewMemoryScheduleStore(), jobs.NewLocalLocker(), time.Minute)
	queue := services.NewQueueService(memory.NewStore(), scheduler, cfg)
	return NewSessionHandler(queue), queue
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("token 4: %w", status.ErrNotFound), http.StatusNotFound},
		{status.ErrInvalidTransition, http.StatusBadRequest},
		{status.ErrInvalidInput, http.StatusBadRequest},
		{status.ErrConcurrentServing, http.StatusConflict},
		{status.ErrSessionExists, http.StatusConflict},
		{fmt.Errorf("update session S1: %w", status.ErrStoreContention), http.StatusConflict},
		{errors.New("redis: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, toAPIError(tt.err).Status)
		})
	}
}

func TestSessionHandler_CreateSession(t *testing.T) {
	h, _ := setupHandler(t)

	e, rec := newEvent(http.MethodPost, "/api/v1/sessions", `{"session_id":"S1","doctor_id":"D1"}`, nil)
	require.NoError(t, h.CreateSession(e))
	assert.Equal(t, http.StatusCreated, rec.Code)
	var got models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.SessionScheduled, got.Status)

	e, _ = newEvent(http.MethodPost, "/api/v1/sessions", `{"session_id":"S1","doctor_id":"D1"}`, nil)
	assert.Equal(t, http.StatusConflict, apiStatus(t, h.CreateSession(e)))

	e, _ = newEvent(http.MethodPost, "/api/v1/sessions", `{"session_id":"S2"}`, nil)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.CreateSession(e)))
}

func TestSessionHandler_AdvanceToken(t *testing.T) {
	h, queue := setupHandler(t)
	ctx := context.Background()
	_, err := queue.CreateSession(ctx, services.CreateSessionInput{SessionID: "S1", DoctorID: "D1"})
	require.NoError(t, err)
	_, err = queue.OpenSession(ctx, "S1")
	require.NoError(t, err)
	for _, p := range []string{"P1", "P2"} {
		tok, err := queue.BookToken(ctx, "S1", p)
		require.NoError(t, err)
		_, err = queue.ConfirmBooking(ctx, "S1", tok.TokenNumber)
		require.NoError(t, err)
	}

	advance := func(number, body string) (*httptest.ResponseRecorder, error) {
		e, rec := newEvent(http.MethodPost, "/api/v1/sessions/S1/tokens/"+number+"/advance", body,
			map[string]string{"sessionId": "S1", "tokenNumber": number})
		return rec, h.AdvanceToken(e)
	}

	rec, err := advance("1", `{"status":"called"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = advance("1", `{"status":"completed"}`)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = advance("9", `{"status":"called"}`)
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	_, err = advance("abc", `{"status":"called"}`)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = advance("1", `{"status":"serving"}`)
	require.NoError(t, err)
	_, err = advance("2", `{"status":"called"}`)
	require.NoError(t, err)
	_, err = advance("2", `{"status":"serving"}`)
	assert.Equal(t, http.StatusConflict, apiStatus(t, err))
}

func TestSessionHandler_GetEtaAndRecalculate(t *testing.T) {
	h, queue := setupHandler(t)
	_, err := queue.CreateSession(context.Background(), services.CreateSessionInput{SessionID: "S1", DoctorID: "D1"})
	require.NoError(t, err)

	e, rec := newEvent(http.MethodGet, "/api/v1/sessions/S1/eta", "", map[string]string{"sessionId": "S1"})
	require.NoError(t, h.GetEta(e))
	var snap models.EtaSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "S1", snap.SessionID)

	e, rec = newEvent(http.MethodPost, "/api/v1/sessions/S1/recalculate", "", map[string]string{"sessionId": "S1"})
	require.NoError(t, h.Recalculate(e))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	e, _ = newEvent(http.MethodGet, "/api/v1/sessions/nope", "", map[string]string{"sessionId": "nope"})
	assert.Equal(t, http.StatusNotFound, apiStatus(t, h.GetSession(e)))
}

func TestAdminHandler_ListDeadLetters(t *testing.T) {
	q := jobs.NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, models.Job{ID: "j1", Name: models.JobAutoNoShow}))
	d, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	dead := d.Job
	dead.LastError = "boom"
	require.NoError(t, q.DeadLetter(ctx, d, dead))
	h := NewAdminHandler(q, jobs.NewScheduler(q, jobs.NewMemoryScheduleStore(), jobs.NewLocalLocker(), time.Minute))

	e, rec := newEvent(http.MethodGet, "/api/v1/admin/jobs/dead?limit=10", "", nil)
	require.NoError(t, h.ListDeadLetters(e))
	var body struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "boom", body.Jobs[0].LastError)

	e, _ = newEvent(http.MethodGet, "/api/v1/admin/jobs/dead?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.ListDeadLetters(e)))
}

func TestHealthHandler(t *testing.T) {
	healthy := NewHealthHandler(map[string]func(context.Context) error{
		"redis": func(context.Context) error { return nil },
	})
	e, rec := newEvent(http.MethodGet, "/health", "", nil)
	require.NoError(t, healthy.Health(e))
	assert.Equal(t, http.StatusOK, rec.Code)

	sick := NewHealthHandler(map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	e, rec = newEvent(http.MethodGet, "/health", "", nil)
	require.NoError(t, sick.Health(e))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
