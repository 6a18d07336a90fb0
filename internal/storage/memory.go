package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kindredhq/kindred/pkg/models"
)

// MemoryMessageStore provides an in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message // keyed by session ID, append order
}

// NewMemoryMessageStore creates an in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string][]*models.Message)}
}

func (s *MemoryMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.messages[msg.SessionID] {
		if existing.ID == msg.ID {
			return ErrAlreadyExists
		}
	}
	copied := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &copied)
	return nil
}

func (s *MemoryMessageStore) ListSince(ctx context.Context, sessionID string, cursor time.Time) ([]*models.Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*models.Message{}
	for _, msg := range s.messages[sessionID] {
		if msg.CreatedAt.After(cursor) {
			copied := *msg
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MemorySessionStore provides an in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return ErrAlreadyExists
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemorySessionStore) Claim(ctx context.Context, id, specialistID string, at time.Time) (bool, error) {
	if specialistID == "" {
		return false, fmt.Errorf("specialist id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if session.Status != models.SessionWaiting {
		return false, nil
	}
	session.Status = models.SessionActive
	session.SpecialistID = specialistID
	session.LastActivityAt = at
	return true, nil
}

func (s *MemorySessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if session.Status == models.SessionActive && at.After(session.LastActivityAt) {
		session.LastActivityAt = at
	}
	return nil
}

func (s *MemorySessionStore) End(ctx context.Context, id string, reason models.EndReason, expected models.SessionStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if session.Status != expected {
		return false, nil
	}
	session.Status = models.SessionEnded
	session.EndedAt = at
	session.EndReason = reason
	return true, nil
}

func (s *MemorySessionStore) ListStale(ctx context.Context, threshold time.Duration, now time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := now.Add(-threshold)
	result := []*models.Session{}
	for _, session := range s.sessions {
		if session.Status == models.SessionWaiting && session.StartedAt.Before(cutoff) {
			copied := *session
			result = append(result, &copied)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *MemorySessionStore) ListInactive(ctx context.Context, threshold time.Duration, now time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := now.Add(-threshold)
	result := []*models.Session{}
	for _, session := range s.sessions {
		if session.Status != models.SessionActive {
			continue
		}
		last := session.LastActivityAt
		if last.IsZero() {
			last = session.StartedAt
		}
		if last.Before(cutoff) {
			copied := *session
			result = append(result, &copied)
		}
	}
	sortSessions(result)
	return result, nil
}

func sortSessions(sessions []*models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}

// NewMemoryStores creates a StoreSet backed by in-memory stores.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Messages: NewMemoryMessageStore(),
		Sessions: NewMemorySessionStore(),
	}
}
