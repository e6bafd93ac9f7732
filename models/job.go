package models

import (
	"time"
)

type JobName string

const (
	JobEtaRecalculation     JobName = "EtaRecalculation"
	JobAutoNoShow           JobName = "AutoNoShow"
	JobNotificationDispatch JobName = "NotificationDispatch"
	JobPayoutReconciliation JobName = "PayoutReconciliation"
)

var jobNames = []JobName{
	JobEtaRecalculation,
	JobAutoNoShow,
	JobNotificationDispatch,
	JobPayoutReconciliation,
}

// JobNames lists the closed set of job names a worker can dispatch.
func JobNames() []JobName {
	out := make([]JobName, len(jobNames))
	copy(out, jobNames)
	return out
}

func (n JobName) Valid() bool {
	for _, name := range jobNames {
		if name == n {
			return true
		}
	}
	return false
}

// JobPayload carries the arguments of a job. An empty SessionID on a
// recalculation or no-show job means "every active session".
type JobPayload struct {
	SessionID   string `json:"session_id,omitempty"`
	TokenNumber int    `json:"token_number,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	Event       string `json:"event,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type Job struct {
	ID         string     `json:"id"`
	Name       JobName    `json:"name"`
	Payload    JobPayload `json:"payload"`
	Schedule   string     `json:"schedule,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
}

// RecurringJob is a persisted cron definition, re-registered on restart.
type RecurringJob struct {
	Name     JobName `json:"name"`
	Schedule string  `json:"schedule"`
}
