package models

import (
	"time"
)

// TokenEta is one row of a pushed snapshot.
type TokenEta struct {
	TokenNumber        int         `json:"token_number"`
	Status             TokenStatus `json:"status"`
	EstimatedStartTime *time.Time  `json:"estimated_start_time,omitempty"`
}

// EtaSnapshot is what subscribers of a session group receive. Clients keep the
// snapshot with the highest Version and ignore older or repeated ones.
type EtaSnapshot struct {
	SessionID                  string        `json:"session_id"`
	Version                    int64         `json:"version"`
	Status                     SessionStatus `json:"status"`
	ComputedAt                 time.Time     `json:"computed_at"`
	CurrentServingToken        *int          `json:"current_serving_token,omitempty"`
	AverageConsultationSeconds float64       `json:"average_consultation_seconds"`
	Tokens                     []TokenEta    `json:"tokens"`
}

// NewEtaSnapshot builds a snapshot from persisted session state. Terminal
// tokens are left out; they no longer wait for anything.
func NewEtaSnapshot(s Session) EtaSnapshot {
	snap := EtaSnapshot{
		SessionID:                  s.SessionID,
		Version:                    s.Version,
		Status:                     s.Status,
		CurrentServingToken:        copyInt(s.CurrentServingToken),
		AverageConsultationSeconds: s.AverageConsultationSeconds,
		Tokens:                     make([]TokenEta, 0, len(s.Tokens)),
	}
	if s.EtaUpdatedAt != nil {
		snap.ComputedAt = *s.EtaUpdatedAt
	}
	for _, t := range s.Tokens {
		if t.Status.IsTerminal() {
			continue
		}
		snap.Tokens = append(snap.Tokens, TokenEta{
			TokenNumber:        t.TokenNumber,
			Status:             t.Status,
			EstimatedStartTime: copyTime(t.EstimatedStartTime),
		})
	}
	return snap
}
