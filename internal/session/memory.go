package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps deep copies of sessions in a map. It is the
// default for tests and single-process development.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
	now      func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		sessions: make(map[Key]*Session),
		now:      now,
	}
}

func (m *memoryStore) Load(_ context.Context, key Key) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[key]; ok {
		return s.Clone(), nil
	}
	return New(key, m.now()), nil
}

func (m *memoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var storedVersion int64
	var storedHistory []Turn
	if stored, ok := m.sessions[s.Key]; ok {
		storedVersion = stored.Version
		storedHistory = stored.History
	}
	if s.Version != storedVersion {
		return ErrVersionConflict
	}
	if err := checkExtends(storedHistory, s.History); err != nil {
		return err
	}

	s.Version++
	s.UpdatedAt = m.now()
	m.sessions[s.Key] = s.Clone()
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, key)
	return nil
}

func (m *memoryStore) List(_ context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []string{}
	for k := range m.sessions {
		if k.TenantID == tenantID {
			keys = append(keys, k.ConversationKey)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Close() error {
	return nil
}
