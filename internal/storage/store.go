package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("storage: not found")

// SessionStore persists coaching sessions.
type SessionStore interface {
	// SaveSession upserts the session row and inserts any conversation
	// messages not yet stored. Stored messages are never rewritten.
	SaveSession(ctx context.Context, s *model.CoachingSession) error
	// GetSession loads a session with its full conversation, oldest turn
	// first. Returns ErrNotFound when id is unknown.
	GetSession(ctx context.Context, id uuid.UUID) (*model.CoachingSession, error)
	// ListSessions returns the user's sessions, newest first.
	ListSessions(ctx context.Context, userID string, limit int) ([]model.SessionSummary, error)
	// AppendMessages adds turns to an existing session and bumps its
	// updated_at. Returns ErrNotFound when the session does not exist.
	AppendMessages(ctx context.Context, sessionID uuid.UUID, msgs ...model.ChatMessage) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// UsageStore keeps daily usage counters.
type UsageStore interface {
	// IncrementUsage adds one to the counter unless it has already reached
	// limit. It returns the count after the call and whether the increment
	// happened. The check and increment are atomic.
	IncrementUsage(ctx context.Context, key model.UsageKey, limit int) (count int, allowed bool, err error)
	GetUsage(ctx context.Context, key model.UsageKey) (int, error)
	ResetUsage(ctx context.Context, key model.UsageKey) error
	// PurgeUsage deletes counters whose period ended before cutoff.
	PurgeUsage(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is a complete storage backend.
type Store interface {
	SessionStore
	UsageStore
	Ping(ctx context.Context) error
	Backend() string
	Close(ctx context.Context) error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// DefaultListLimit is used when a caller passes a non-positive limit.
const DefaultListLimit = 10

func listLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > 100 {
		return 100
	}
	return n
}
