package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"clinic-queue/internal/status"
	"clinic-queue/internal/store"
	"clinic-queue/models"
)

// Store keeps sessions in process memory. It serves single-process
// deployments and tests; every read and write goes through a deep copy.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

var _ store.SessionStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{sessions: make(map[string]models.Session)}
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *Store) CreateSession(ctx context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return fmt.Errorf("session %s: %w", session.SessionID, status.ErrSessionExists)
	}
	s.sessions[session.SessionID] = session.Clone()
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn store.UpdateFunc) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", sessionID, status.ErrNotFound)
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return models.Session{}, err
	}
	s.sessions[sessionID] = working.Clone()
	return working, nil
}

func (s *Store) ListSessionIDs(ctx context.Context, st models.SessionStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, session := range s.sessions {
		if st == "" || session.Status == st {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
