package mcp

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAnalysisTracker_RecordAndCheck(t *testing.T) {
	tracker := newAnalysisTracker(time.Hour)
	session := uuid.New()

	if tracker.WasAnalyzed("swimmer-1", session) {
		t.Fatal("expected WasAnalyzed to return false before any Record")
	}

	tracker.Record("swimmer-1", session)

	if !tracker.WasAnalyzed("swimmer-1", session) {
		t.Fatal("expected WasAnalyzed to return true after Record")
	}
}

func TestAnalysisTracker_DifferentSessions(t *testing.T) {
	tracker := newAnalysisTracker(time.Hour)
	tracker.Record("swimmer-1", uuid.New())

	if tracker.WasAnalyzed("swimmer-1", uuid.New()) {
		t.Fatal("expected WasAnalyzed to return false for another session")
	}
}

func TestAnalysisTracker_DifferentUsers(t *testing.T) {
	tracker := newAnalysisTracker(time.Hour)
	session := uuid.New()
	tracker.Record("swimmer-1", session)

	if tracker.WasAnalyzed("swimmer-2", session) {
		t.Fatal("expected WasAnalyzed to return false for another user")
	}
}

func TestAnalysisTracker_Expiry(t *testing.T) {
	tracker := newAnalysisTracker(time.Minute)
	now := time.Now()
	tracker.now = func() time.Time { return now }
	session := uuid.New()

	tracker.Record("swimmer-1", session)
	now = now.Add(2 * time.Minute)

	if tracker.WasAnalyzed("swimmer-1", session) {
		t.Fatal("expected WasAnalyzed to return false after window expired")
	}
	if len(tracker.analyses) != 0 {
		t.Fatal("expected expired entry to be removed on lookup")
	}
}

func TestAnalysisTracker_PurgeStale(t *testing.T) {
	tracker := newAnalysisTracker(time.Minute)
	now := time.Now()
	tracker.now = func() time.Time { return now }

	for range 1000 {
		tracker.Record("swimmer-1", uuid.New())
	}
	now = now.Add(2 * time.Minute)
	fresh := uuid.New()
	tracker.Record("swimmer-1", fresh)

	if len(tracker.analyses) != 1 {
		t.Fatalf("expected stale entries purged, have %d", len(tracker.analyses))
	}
	if !tracker.WasAnalyzed("swimmer-1", fresh) {
		t.Fatal("expected the fresh entry to survive the purge")
	}
}
