package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rsagent/internal/domain"
)

const defaultTitle = "New conversation"

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// SessionStore owns conversation history. Appends to one session are
// serialized and numbered; different sessions proceed in parallel.
type SessionStore struct {
	repo   domain.SessionRepository
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
	now   func() time.Time
}

func NewSessionStore(repo domain.SessionRepository, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		repo:   repo,
		logger: logger,
		locks:  make(map[string]*sessionLock),
		now:    time.Now,
	}
}

// lock acquires the per-session mutex and returns its release func. Lock
// entries are dropped once nobody holds or waits for them.
func (s *SessionStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Append stores msg at the end of the session and returns the session ID.
// An empty or unknown sessionID creates the session, titled from the
// first user message.
func (s *SessionStore) Append(ctx context.Context, sessionID string, msg domain.MessageRecord) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	unlock := s.lock(sessionID)
	defer unlock()

	now := s.now()
	sess, err := s.repo.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		title := defaultTitle
		if msg.Role == domain.RoleUser {
			title = generateTitle(msg.Content)
		}
		sess = &domain.Session{ID: sessionID, Title: title, CreatedAt: now, UpdatedAt: now}
		if err := s.repo.CreateSession(ctx, *sess); err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		s.logger.Info("created session", "session_id", sessionID)
	case err != nil:
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	case sess.Title == defaultTitle && msg.Role == domain.RoleUser:
		sess.Title = generateTitle(msg.Content)
		sess.UpdatedAt = now
		if err := s.repo.UpdateSession(ctx, *sess); err != nil {
			s.logger.Warn("failed to update session title", "session_id", sessionID, "err", err)
		}
	}

	last, err := s.repo.LastSeq(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("next seq for %s: %w", sessionID, err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = sessionID
	msg.Seq = last + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if err := s.repo.AddMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("append to %s: %w", sessionID, err)
	}
	return sessionID, nil
}

// History returns every message of the session in append order. An
// unknown session has an empty history.
func (s *SessionStore) History(ctx context.Context, sessionID string) ([]domain.MessageRecord, error) {
	if sessionID == "" {
		return nil, nil
	}
	return s.repo.GetMessages(ctx, sessionID, 0)
}

// Recent returns the last n messages in append order.
func (s *SessionStore) Recent(ctx context.Context, sessionID string, n int) ([]domain.MessageRecord, error) {
	if sessionID == "" || n <= 0 {
		return nil, nil
	}
	return s.repo.GetMessages(ctx, sessionID, n)
}

// Delete removes the session and its messages. Deleting an unknown
// session is a no-op.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	unlock := s.lock(sessionID)
	defer unlock()
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SessionStore) Sessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return s.repo.ListSessions(ctx, limit)
}

// Session returns the session or an error wrapping domain.ErrNotFound.
func (s *SessionStore) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// Prune deletes sessions idle for longer than retention.
func (s *SessionStore) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteSessionsBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned idle sessions", "count", n, "retention", retention)
	}
	return n, nil
}

func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return defaultTitle
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 60 {
		cut := strings.LastIndex(msg[:60], " ")
		if cut < 20 {
			cut = 60
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
