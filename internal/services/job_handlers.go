package services

import (
	"context"

	"clinic-queue/internal/jobs"
	"clinic-queue/models"
)

// BuildRegistry wires every job name to its handler. The result is handed to
// the worker once at startup.
func BuildRegistry(recalc *RecalculationService, noShow *NoShowPolicy, notifier Notifier, payouts PayoutReconciler) (*jobs.Registry, error) {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if payouts == nil {
		payouts = LogReconciler{}
	}

	r := jobs.NewRegistry()
	handlers := map[models.JobName]jobs.Handler{
		models.JobEtaRecalculation: recalc.HandleJob,
		models.JobAutoNoShow:       noShow.HandleJob,
		models.JobNotificationDispatch: func(ctx context.Context, job models.Job) error {
			return notifier.Notify(ctx, job.Payload)
		},
		models.JobPayoutReconciliation: func(ctx context.Context, job models.Job) error {
			return payouts.Reconcile(ctx, job.Payload)
		},
	}
	for name, handler := range handlers {
		if err := r.Register(name, handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}
