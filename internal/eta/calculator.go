// Package eta maps a session snapshot onto per-token estimated start times.
// Nothing here performs I/O or reads the clock; callers pass now explicitly.
package eta

import (
	"math"
	"sort"
	"time"

	"clinic-queue/models"
)

// DefaultMinRemaining floors the serving token's remaining time so the next
// patient never gets an estimate at or before now.
const DefaultMinRemaining = 60 * time.Second

// ComputeEtas walks the non-terminal tokens in ascending order. The serving
// token keeps its actual start; the one after it starts once the serving
// consultation's remaining time (average minus elapsed, floored at
// minRemaining) has run; every further token adds one average consultation.
func ComputeEtas(session models.Session, now time.Time, minRemaining time.Duration) map[int]time.Time {
	etas := make(map[int]time.Time)
	if session.Status == models.SessionClosed {
		return etas
	}
	if minRemaining <= 0 {
		minRemaining = DefaultMinRemaining
	}
	avg := secondsToDuration(session.AverageConsultationSeconds)

	tokens := make([]models.Token, 0, len(session.Tokens))
	for _, t := range session.Tokens {
		if !t.Status.IsTerminal() {
			tokens = append(tokens, t)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].TokenNumber < tokens[j].TokenNumber })

	next := now
	if session.Status == models.SessionScheduled && session.StartedAt.After(now) {
		next = session.StartedAt
	}

	for _, t := range tokens {
		if t.Status != models.TokenServing {
			continue
		}
		started := now
		if t.ServingStartedAt != nil {
			started = *t.ServingStartedAt
		}
		etas[t.TokenNumber] = started
		remaining := avg - now.Sub(started)
		if remaining < minRemaining {
			remaining = minRemaining
		}
		next = now.Add(remaining)
		break
	}

	for _, t := range tokens {
		if t.Status == models.TokenServing {
			continue
		}
		etas[t.TokenNumber] = next
		next = next.Add(avg)
	}
	return etas
}

// Apply writes etas onto the session's tokens. Terminal tokens keep their
// last estimate for audit.
func Apply(session *models.Session, etas map[int]time.Time) {
	for i := range session.Tokens {
		t := &session.Tokens[i]
		if t.Status.IsTerminal() {
			continue
		}
		at, ok := etas[t.TokenNumber]
		if !ok {
			t.EstimatedStartTime = nil
			continue
		}
		at = at.UTC()
		t.EstimatedStartTime = &at
	}
}

// UpdateAverage folds an observed consultation into the running average with
// an exponential moving average. A zero average adopts the observation.
func UpdateAverage(current float64, observed time.Duration, alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	obs := observed.Seconds()
	if obs < 0 {
		obs = 0
	}
	if current <= 0 {
		return obs
	}
	return alpha*obs + (1-alpha)*current
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
