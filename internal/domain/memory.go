package domain

import (
	"context"
	"time"
)

// Session is a conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageRecord is one stored turn in a session. Seq is assigned by the
// session store and defines history order.
type MessageRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Intent    Intent    `json:"intent,omitempty"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SourceKind tags what a Source points at.
type SourceKind string

const (
	SourcePassage SourceKind = "passage"
	SourceJob     SourceKind = "job"
)

// Source is a citation attached to an assistant message: either a
// retrieved passage or the job the turn submitted.
type Source struct {
	Kind    SourceKind       `json:"kind"`
	Passage *RetrievalResult `json:"passage,omitempty"`
	Job     *JobResult       `json:"job,omitempty"`
}

// SessionRepository is the persistence behind the session store. Ordering
// and locking are the caller's responsibility.
type SessionRepository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
	AddMessage(ctx context.Context, msg MessageRecord) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
