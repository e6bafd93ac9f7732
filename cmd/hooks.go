package cmd

import (
	"context"
	"errors"
	"log/slog"

	"clinic-queue/internal/services"
	"clinic-queue/internal/status"
	"clinic-queue/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const sessionsCollection = "clinic_sessions"

// syncSessionsFromCollection makes sure every open clinic_sessions record
// has a queue session behind it, e.g. after switching to a fresh store.
func syncSessionsFromCollection(app core.App, queue *services.QueueService) {
	ctx := context.Background()

	records, err := app.FindAllRecords(sessionsCollection, dbx.Not(dbx.HashExp{"status": string(models.SessionClosed)}))
	if err != nil {
		slog.Error("Error fetching clinic sessions", "error", err)
		return
	}

	synced := 0
	for _, record := range records {
		if err := ensureQueueSession(ctx, queue, record); err != nil {
			slog.Error("Failed to sync clinic session", "session_id", record.Id, "error", err)
			continue
		}
		synced++
	}
	slog.Info("Synced clinic sessions to the queue store", "count", synced)
}

func ensureQueueSession(ctx context.Context, queue *services.QueueService, record *core.Record) error {
	_, err := queue.CreateSession(ctx, services.CreateSessionInput{
		SessionID: record.Id,
		DoctorID:  record.GetString("doctor_id"),
		Location:  record.GetString("location"),
		StartedAt: record.GetDateTime("starts_at").Time(),
	})
	if err != nil && !errors.Is(err, status.ErrSessionExists) {
		return err
	}
	return applyRecordStatus(ctx, queue, record)
}

func applyRecordStatus(ctx context.Context, queue *services.QueueService, record *core.Record) error {
	var err error
	switch models.SessionStatus(record.GetString("status")) {
	case models.SessionActive:
		_, err = queue.OpenSession(ctx, record.Id)
	case models.SessionClosed:
		_, err = queue.CloseSession(ctx, record.Id)
	}
	return err
}

// setupSessionHooks mirrors admin edits of clinic_sessions records into the
// queue engine. Sync failures are logged and never fail the request.
func setupSessionHooks(app core.App, queue *services.QueueService) {
	app.OnRecordCreateRequest(sessionsCollection).BindFunc(func(e *core.RecordRequestEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		if err := ensureQueueSession(e.Request.Context(), queue, e.Record); err != nil {
			slog.Error("Failed to create queue session",
				"session_id", e.Record.Id,
				"error", err,
				"hook", "OnRecordCreateRequest",
			)
			return nil
		}
		slog.Info("Queue session created from record", "session_id", e.Record.Id)
		return nil
	})

	app.OnRecordUpdateRequest(sessionsCollection).BindFunc(func(e *core.RecordRequestEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		if err := applyRecordStatus(e.Request.Context(), queue, e.Record); err != nil {
			slog.Error("Failed to apply session status",
				"session_id", e.Record.Id,
				"status", e.Record.GetString("status"),
				"error", err,
				"hook", "OnRecordUpdateRequest",
			)
		}
		return nil
	})

	// Deleting the record closes the queue session; its history stays.
	app.OnRecordDeleteRequest(sessionsCollection).BindFunc(func(e *core.RecordRequestEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		if _, err := queue.CloseSession(e.Request.Context(), e.Record.Id); err != nil && !errors.Is(err, status.ErrNotFound) {
			slog.Error("Failed to close deleted session",
				"session_id", e.Record.Id,
				"error", err,
				"hook", "OnRecordDeleteRequest",
			)
		}
		return nil
	})
}
