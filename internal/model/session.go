package model

import (
	"time"

	"github.com/google/uuid"
)

// ChatRole is the author of a conversation turn.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of the coaching conversation.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// VideoMetadata describes the stored source video of a session.
type VideoMetadata struct {
	ID          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Duration    float64   `json:"duration_seconds"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	FPS         float64   `json:"fps"`
	FileSize    int64     `json:"file_size"`
	StoragePath string    `json:"storage_path"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Resolution formats the frame size as WIDTHxHEIGHT.
func (v VideoMetadata) Resolution() string {
	return VideoInfo{Width: v.Width, Height: v.Height}.Resolution()
}

// CoachingSession is the aggregate root for one uploaded video, its
// analysis, and the follow-up conversation about it.
type CoachingSession struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id,omitempty"`
	Video        *VideoMetadata  `json:"video,omitempty"`
	Analysis     *AnalysisResult `json:"analysis,omitempty"`
	Conversation []ChatMessage   `json:"conversation"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewSession creates an empty session owned by userID.
func NewSession(userID string, now time.Time) *CoachingSession {
	return &CoachingSession{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsAnalyzed reports whether an analysis has been attached.
func (s *CoachingSession) IsAnalyzed() bool { return s.Analysis != nil }

// HasVideo reports whether a video has been uploaded.
func (s *CoachingSession) HasVideo() bool { return s.Video != nil }

// AddMessage appends a turn to the conversation and bumps UpdatedAt. It is
// the only way conversation history changes.
func (s *CoachingSession) AddMessage(role ChatRole, content string, now time.Time) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
	s.Conversation = append(s.Conversation, msg)
	s.UpdatedAt = now
	return msg
}

// SetAnalysis attaches a completed analysis and bumps UpdatedAt.
func (s *CoachingSession) SetAnalysis(r *AnalysisResult, now time.Time) {
	s.Analysis = r
	s.UpdatedAt = now
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID           uuid.UUID  `json:"session_id"`
	UserID       string     `json:"user_id,omitempty"`
	StrokeType   StrokeType `json:"stroke_type,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	MessageCount int        `json:"message_count"`
	FrameCount   int        `json:"frame_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Summarize projects s into its list-view form. The summary preview is
// truncated to 200 runes.
func (s *CoachingSession) Summarize() SessionSummary {
	out := SessionSummary{
		ID:           s.ID,
		UserID:       s.UserID,
		MessageCount: len(s.Conversation),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.Analysis != nil {
		out.StrokeType = s.Analysis.StrokeType
		out.FrameCount = s.Analysis.TotalFramesAnalyzed
		summary := []rune(s.Analysis.Summary)
		if len(summary) > 200 {
			summary = append(summary[:197], []rune("...")...)
		}
		out.Summary = string(summary)
	}
	return out
}
