package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"rsagent/internal/domain"
)

// InMemoryStore is a SessionRepository that keeps everything in process
// memory. It backs ephemeral runs and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	messages map[string][]domain.MessageRecord
}

var _ domain.SessionRepository = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.MessageRecord),
	}
}

func (m *InMemoryStore) CreateSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return nil
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *InMemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return &s, nil
}

func (m *InMemoryStore) UpdateSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", s.ID, domain.ErrNotFound)
	}
	cur.Title = s.Title
	cur.UpdatedAt = s.UpdatedAt
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = time.Now()
	}
	m.sessions[s.ID] = cur
	return nil
}

func (m *InMemoryStore) ListSessions(_ context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *InMemoryStore) AddMessage(_ context.Context, msg domain.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", msg.SessionID, domain.ErrNotFound)
	}
	for _, existing := range m.messages[msg.SessionID] {
		if existing.Seq == msg.Seq {
			return fmt.Errorf("message seq %d already used in %s: %w", msg.Seq, msg.SessionID, domain.ErrInvalidInput)
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Sources = slices.Clone(msg.Sources)
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	s.UpdatedAt = msg.CreatedAt
	m.sessions[msg.SessionID] = s
	return nil
}

func (m *InMemoryStore) GetMessages(_ context.Context, sessionID string, limit int) ([]domain.MessageRecord, error) {
	m.mu.RLock()
	msgs := slices.Clone(m.messages[sessionID])
	m.mu.RUnlock()

	slices.SortFunc(msgs, func(a, b domain.MessageRecord) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *InMemoryStore) LastSeq(_ context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last int64
	for _, msg := range m.messages[sessionID] {
		last = max(last, msg.Seq)
	}
	return last, nil
}

func (m *InMemoryStore) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.messages, id)
			n++
		}
	}
	return n, nil
}
