package models

import (
	"time"
)

type TokenStatus string

const (
	TokenBooked    TokenStatus = "booked"
	TokenWaiting   TokenStatus = "waiting"
	TokenCalled    TokenStatus = "called"
	TokenServing   TokenStatus = "serving"
	TokenCompleted TokenStatus = "completed"
	TokenNoShow    TokenStatus = "no_show"
	TokenCancelled TokenStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave this status.
func (s TokenStatus) IsTerminal() bool {
	switch s {
	case TokenCompleted, TokenNoShow, TokenCancelled:
		return true
	}
	return false
}

func (s TokenStatus) Valid() bool {
	switch s {
	case TokenBooked, TokenWaiting, TokenCalled, TokenServing, TokenCompleted, TokenNoShow, TokenCancelled:
		return true
	}
	return false
}

// Token is one patient's position in a session queue.
type Token struct {
	TokenNumber        int         `json:"token_number"`
	PatientID          string      `json:"patient_id"`
	BookedAt           time.Time   `json:"booked_at"`
	Status             TokenStatus `json:"status"`
	EstimatedStartTime *time.Time  `json:"estimated_start_time,omitempty"`
	ConfirmedAt        *time.Time  `json:"confirmed_at,omitempty"`
	CalledAt           *time.Time  `json:"called_at,omitempty"`
	ServingStartedAt   *time.Time  `json:"serving_started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	NoShowAt           *time.Time  `json:"no_show_at,omitempty"`
}

func (t Token) clone() Token {
	out := t
	out.EstimatedStartTime = copyTime(t.EstimatedStartTime)
	out.ConfirmedAt = copyTime(t.ConfirmedAt)
	out.CalledAt = copyTime(t.CalledAt)
	out.ServingStartedAt = copyTime(t.ServingStartedAt)
	out.CompletedAt = copyTime(t.CompletedAt)
	out.CancelledAt = copyTime(t.CancelledAt)
	out.NoShowAt = copyTime(t.NoShowAt)
	return out
}
