package models

import (
	"time"
)

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionActive    SessionStatus = "active"
	SessionClosed    SessionStatus = "closed"
)

// Session is one doctor's sitting for a given date and location.
type Session struct {
	SessionID                  string        `json:"session_id"`
	DoctorID                   string        `json:"doctor_id"`
	Location                   string        `json:"location,omitempty"`
	StartedAt                  time.Time     `json:"started_at"`
	Status                     SessionStatus `json:"status"`
	AverageConsultationSeconds float64       `json:"average_consultation_seconds"`
	CurrentServingToken        *int          `json:"current_serving_token,omitempty"`
	NextTokenNumber            int           `json:"next_token_number"`
	Version                    int64         `json:"version"`
	EtaUpdatedAt               *time.Time    `json:"eta_updated_at,omitempty"`
	ClosedAt                   *time.Time    `json:"closed_at,omitempty"`
	Tokens                     []Token       `json:"tokens"`
}

// Token returns a pointer into s.Tokens so callers can mutate in place.
func (s *Session) Token(number int) (*Token, bool) {
	for i := range s.Tokens {
		if s.Tokens[i].TokenNumber == number {
			return &s.Tokens[i], true
		}
	}
	return nil, false
}

// ServingToken returns the token currently in consultation, if any.
func (s *Session) ServingToken() (*Token, bool) {
	for i := range s.Tokens {
		if s.Tokens[i].Status == TokenServing {
			return &s.Tokens[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy that shares no pointers with s.
func (s Session) Clone() Session {
	out := s
	out.CurrentServingToken = copyInt(s.CurrentServingToken)
	out.EtaUpdatedAt = copyTime(s.EtaUpdatedAt)
	out.ClosedAt = copyTime(s.ClosedAt)
	if s.Tokens != nil {
		out.Tokens = make([]Token, len(s.Tokens))
		for i, t := range s.Tokens {
			out.Tokens[i] = t.clone()
		}
	}
	return out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
