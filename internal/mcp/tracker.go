package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// analysisTracker records recent analyze_session calls so a repeat analysis
// of the same session can carry a nudge towards ask_coach.
//
// Entries are keyed on (userID, sessionID) and expire after window. The
// tracker is in-memory and per-process; the nudge is advisory.
type analysisTracker struct {
	mu       sync.Mutex
	analyses map[analysisKey]time.Time
	window   time.Duration
	now      func() time.Time
}

type analysisKey struct {
	userID    string
	sessionID uuid.UUID
}

func newAnalysisTracker(window time.Duration) *analysisTracker {
	return &analysisTracker{
		analyses: make(map[analysisKey]time.Time),
		window:   window,
		now:      time.Now,
	}
}

// Record notes that userID analyzed sessionID.
func (t *analysisTracker) Record(userID string, sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.analyses[analysisKey{userID, sessionID}] = t.now()

	if len(t.analyses) > 1000 {
		t.purgeStale()
	}
}

// WasAnalyzed reports whether userID analyzed sessionID within the window.
func (t *analysisTracker) WasAnalyzed(userID string, sessionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := analysisKey{userID, sessionID}
	ts, ok := t.analyses[key]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.analyses, key)
		return false
	}
	return true
}

// purgeStale removes expired entries. Must be called with mu held.
func (t *analysisTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.analyses {
		if now.Sub(ts) > t.window {
			delete(t.analyses, k)
		}
	}
}
