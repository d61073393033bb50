package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// MemoryStore keeps everything in process memory. Sessions are stored as
// deep copies so callers cannot mutate stored state by accident.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*model.CoachingSession
	usage    map[model.UsageKey]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*model.CoachingSession),
		usage:    make(map[model.UsageKey]int),
	}
}

var (
	sharedOnce   sync.Once
	sharedMemory *MemoryStore
)

// SharedMemoryStore returns a process-wide MemoryStore, so the HTTP server
// and MCP tools running in one process see the same sessions when no
// database is configured.
func SharedMemoryStore() *MemoryStore {
	sharedOnce.Do(func() { sharedMemory = NewMemoryStore() })
	return sharedMemory
}

// Reset drops all stored data.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[uuid.UUID]*model.CoachingSession)
	m.usage = make(map[model.UsageKey]int)
}

func cloneSession(s *model.CoachingSession) (*model.CoachingSession, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("storage: copy session: %w", err)
	}
	var out model.CoachingSession
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("storage: copy session: %w", err)
	}
	if out.Conversation == nil {
		out.Conversation = []model.ChatMessage{}
	}
	return &out, nil
}

// SaveSession stores a copy of s. Messages already stored are kept as
// they were; new ones are appended.
func (m *MemoryStore) SaveSession(_ context.Context, s *model.CoachingSession) error {
	cp, err := cloneSession(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok {
		cp.Conversation = mergeMessages(existing.Conversation, cp.Conversation)
	}
	m.sessions[s.ID] = cp
	return nil
}

func mergeMessages(stored, incoming []model.ChatMessage) []model.ChatMessage {
	seen := make(map[uuid.UUID]bool, len(stored))
	out := append([]model.ChatMessage{}, stored...)
	for _, msg := range stored {
		seen[msg.ID] = true
	}
	for _, msg := range incoming {
		if !seen[msg.ID] {
			seen[msg.ID] = true
			out = append(out, msg)
		}
	}
	return out
}

// GetSession returns a copy of the stored session.
func (m *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*model.CoachingSession, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return cloneSession(s)
}

// ListSessions returns the user's sessions, newest first.
func (m *MemoryStore) ListSessions(_ context.Context, userID string, limit int) ([]model.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.SessionSummary{}
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s.Summarize())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// AppendMessages adds turns to a stored session.
func (m *MemoryStore) AppendMessages(_ context.Context, sessionID uuid.UUID, msgs ...model.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("storage: session %s: %w", sessionID, ErrNotFound)
	}
	s.Conversation = mergeMessages(s.Conversation, msgs)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	return nil
}

func normalizeKey(k model.UsageKey) model.UsageKey {
	k.Period = model.DayStart(k.Period)
	return k
}

// IncrementUsage bumps the counter for key if it is below limit.
func (m *MemoryStore) IncrementUsage(_ context.Context, key model.UsageKey, limit int) (int, bool, error) {
	key = normalizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.usage[key]
	if count >= limit {
		return count, false, nil
	}
	count++
	m.usage[key] = count
	return count, true, nil
}

// GetUsage returns the current count for key.
func (m *MemoryStore) GetUsage(_ context.Context, key model.UsageKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[normalizeKey(key)], nil
}

// ResetUsage clears the counter for key.
func (m *MemoryStore) ResetUsage(_ context.Context, key model.UsageKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, normalizeKey(key))
	return nil
}

// PurgeUsage drops counters whose period ended before cutoff.
func (m *MemoryStore) PurgeUsage(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.usage {
		if k.PeriodEnd().Before(cutoff) {
			delete(m.usage, k)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Backend names the storage implementation.
func (m *MemoryStore) Backend() string { return "memory" }

// Close is a no-op.
func (m *MemoryStore) Close(context.Context) error { return nil }
