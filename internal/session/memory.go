package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Expiry is checked on read; there is no background sweeper.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry // session_id → record
	bindings map[string]memoryEntry // bindingHash → session_id
	now      func() time.Time
}

type memoryEntry struct {
	record    *Record
	sessionID string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		bindings: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) LoadSession(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, nil
	}
	rec := *entry.record
	return &rec, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, record *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *record
	s.sessions[record.SessionID] = memoryEntry{
		record:    &rec,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) LoadBinding(_ context.Context, principalID, threadID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.bindings[bindingHash(principalID, threadID)]
	if !ok || s.now().After(entry.expiresAt) {
		return "", nil
	}
	return entry.sessionID, nil
}

func (s *MemoryStore) SaveBinding(_ context.Context, principalID, threadID, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindings[bindingHash(principalID, threadID)] = memoryEntry{
		sessionID: sessionID,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, record.SessionID)
	delete(s.bindings, bindingHash(record.PrincipalID, record.ThreadID))
	return nil
}
