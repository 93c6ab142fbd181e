package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and when Redis is not configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	updates  int
}

func NewMemoryStore(seed ...*Session) *MemoryStore {
	m := &MemoryStore{sessions: make(map[string]*Session)}
	for _, s := range seed {
		if s != nil && s.ID != "" {
			m.sessions[s.ID] = s.Clone()
		}
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return ErrInvalidID
	}
	s.LastUpdated = time.Now().UTC()
	m.mu.Lock()
	m.sessions[s.ID] = s.Clone()
	m.updates++
	m.mu.Unlock()
	return nil
}

// Updates returns how many writes were made.
func (m *MemoryStore) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}
