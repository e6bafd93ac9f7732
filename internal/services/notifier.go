package services

import (
	"context"
	"fmt"
	"log/slog"

	"clinic-queue/models"

	pubnub "github.com/pubnub/go"
)

// Notifier pushes a patient-facing notification. Delivery channels (SMS,
// push, email) live behind the implementation.
type Notifier interface {
	Notify(ctx context.Context, payload models.JobPayload) error
}

// PubNubNotifier publishes to the patient's personal channel.
type PubNubNotifier struct {
	pubnub *pubnub.PubNub
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pubnub: pn}
}

func (n *PubNubNotifier) Notify(ctx context.Context, payload models.JobPayload) error {
	if payload.PatientID == "" {
		return nil
	}
	channel := fmt.Sprintf("patient-%s", payload.PatientID)
	_, _, err := n.pubnub.Publish().
		Channel(channel).
		Message(map[string]interface{}{
			"type":         payload.Event,
			"session_id":   payload.SessionID,
			"token_number": payload.TokenNumber,
			"reason":       payload.Reason,
		}).
		Execute()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// LogNotifier records notifications without delivering them.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, payload models.JobPayload) error {
	slog.Info("Patient notification",
		"event", payload.Event,
		"session_id", payload.SessionID,
		"token_number", payload.TokenNumber,
		"patient_id", payload.PatientID,
	)
	return nil
}

// PayoutReconciler settles a doctor's completed consultations with the
// billing system.
type PayoutReconciler interface {
	Reconcile(ctx context.Context, payload models.JobPayload) error
}

// LogReconciler is used when no billing system is configured.
type LogReconciler struct{}

func (LogReconciler) Reconcile(ctx context.Context, payload models.JobPayload) error {
	slog.Info("Payout reconciliation requested", "session_id", payload.SessionID, "reason", payload.Reason)
	return nil
}
