package mcp

import (
	"github.com/ashita-ai/swimcoach/internal/model"
)

const (
	maxCompactText      = 300
	maxCompactChunkText = 600
	maxCompactMessages  = 20
)

// compactAnalysis returns a minimal representation of an analysis for MCP
// responses. Per-iteration detail and frame timestamps are dropped; an
// assistant relays feedback, it does not need the loop's bookkeeping.
func compactAnalysis(r *model.AnalysisResult) map[string]any {
	m := map[string]any{
		"session_id":            r.SessionID,
		"stroke_type":           r.StrokeType,
		"summary":               r.Summary,
		"video_duration":        r.VideoDuration,
		"passes":                len(r.Iterations),
		"total_frames_analyzed": r.TotalFramesAnalyzed,
		"primary_feedback":      compactFeedback(r.PrimaryFeedback()),
		"other_feedback_count":  len(r.Feedback) - len(r.PrimaryFeedback()),
		"strengths":             compactStrengths(r.Strengths),
		"drills":                nonNil(r.Drills()),
	}
	if r.Partial {
		m["partial"] = true
		if r.Notice != "" {
			m["notice"] = r.Notice
		}
	}
	return m
}

func compactFeedback(items []model.TimestampedFeedback) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, f := range items {
		m := map[string]any{
			"at":             f.Display(),
			"category":       f.Category,
			"priority":       f.Priority,
			"observation":    truncate(f.Description, maxCompactText),
			"recommendation": truncate(f.Recommendation, maxCompactText),
		}
		if len(f.Drills) > 0 {
			m["drills"] = f.Drills
		}
		out = append(out, m)
	}
	return out
}

func compactStrengths(items []model.Strength) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, st := range items {
		out = append(out, map[string]any{
			"at":          model.FormatTimestamp(st.Start),
			"observation": truncate(st.Observation, maxCompactText),
		})
	}
	return out
}

// compactSession keeps the video facts, the compact analysis and the most
// recent turns of the conversation.
func compactSession(s *model.CoachingSession) map[string]any {
	m := map[string]any{
		"session_id":    s.ID,
		"created_at":    s.CreatedAt,
		"analyzed":      s.IsAnalyzed(),
		"message_count": len(s.Conversation),
	}
	if s.Video != nil {
		m["video"] = map[string]any{
			"filename":   s.Video.Filename,
			"duration":   s.Video.Duration,
			"resolution": s.Video.Resolution(),
		}
	}
	if s.Analysis != nil {
		m["analysis"] = compactAnalysis(s.Analysis)
	}

	turns := s.Conversation
	if len(turns) > maxCompactMessages {
		turns = turns[len(turns)-maxCompactMessages:]
	}
	msgs := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, map[string]any{
			"role":    t.Role,
			"content": t.Content,
		})
	}
	m["recent_messages"] = msgs
	return m
}

func compactChunk(c model.KnowledgeChunk) map[string]any {
	m := map[string]any{
		"topic":   c.Topic,
		"title":   c.Title,
		"content": truncate(c.Content, maxCompactChunkText),
	}
	if c.Source != "" {
		m["source"] = c.Source
	}
	if c.Similarity > 0 {
		m["similarity"] = c.Similarity
	}
	return m
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
