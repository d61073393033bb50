package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/swimcoach/internal/model"
)

func ptr[T any](v T) *T { return &v }

func sampleResult() *model.AnalysisResult {
	return &model.AnalysisResult{
		SessionID:     uuid.New(),
		StrokeType:    model.StrokeFreestyle,
		VideoDuration: 30,
		Iterations:    []model.AgentIteration{{Number: 1}, {Number: 2}},
		Summary:       "Solid rotation; the catch slips.",
		Feedback: []model.TimestampedFeedback{
			{Category: model.CategoryCatchAndPull, Priority: model.PriorityPrimary, Start: 12, End: ptr(15.5),
				Description: "Elbow drops.", Recommendation: "Keep the elbow high.", Drills: []string{"sculling"}},
			{Category: model.CategoryKick, Priority: model.PrioritySecondary, Start: 3,
				Description: "Kick is wide.", Recommendation: "Narrow the kick."},
		},
		Strengths:           []model.Strength{{Start: 1, Observation: "Relaxed breathing."}},
		TotalFramesAnalyzed: 18,
	}
}

func TestCompactAnalysis(t *testing.T) {
	r := sampleResult()
	m := compactAnalysis(r)

	assert.Equal(t, r.Summary, m["summary"])
	assert.Equal(t, 2, m["passes"])
	assert.Equal(t, 1, m["other_feedback_count"])
	assert.Equal(t, []string{"sculling"}, m["drills"])
	assert.NotContains(t, m, "partial")

	primary, ok := m["primary_feedback"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, primary, 1)
	assert.Equal(t, "0:12.0-0:15.5", primary[0]["at"])

	strengths, ok := m["strengths"].([]map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0:01.0", strengths[0]["at"])
}

func TestCompactAnalysis_Partial(t *testing.T) {
	r := sampleResult()
	r.Partial = true
	r.Notice = "Analysis stopped early."
	r.Feedback = nil

	m := compactAnalysis(r)
	assert.Equal(t, true, m["partial"])
	assert.Equal(t, "Analysis stopped early.", m["notice"])
	assert.Equal(t, []string{}, m["drills"])
}

func TestCompactSession_RecentMessages(t *testing.T) {
	now := time.Now().UTC()
	sess := model.NewSession("swimmer-1", now)
	sess.SetAnalysis(sampleResult(), now)
	for i := range maxCompactMessages + 5 {
		sess.AddMessage(model.RoleUser, strings.Repeat("q", i+1), now)
	}

	m := compactSession(sess)
	assert.Equal(t, true, m["analyzed"])
	assert.Equal(t, maxCompactMessages+5, m["message_count"])
	msgs, ok := m["recent_messages"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, msgs, maxCompactMessages)
	assert.Equal(t, strings.Repeat("q", maxCompactMessages+5), msgs[len(msgs)-1]["content"])
	assert.NotContains(t, m, "video")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "éé...", truncate("ééé", 2), "counts runes, not bytes")
}
