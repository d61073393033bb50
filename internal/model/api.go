package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text.
const (
	MaxChatMessageLen = 2000
	MaxUserNotesLen   = 4000
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNotAnalyzed     = "NOT_ANALYZED"
	ErrCodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	ErrCodeUnprocessable   = "UNPROCESSABLE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeUnavailable     = "UNAVAILABLE"
)

// VideoUploadResponse is the response for POST /v1/videos.
type VideoUploadResponse struct {
	SessionID     uuid.UUID `json:"session_id"`
	VideoDuration float64   `json:"video_duration_seconds"`
	Resolution    string    `json:"resolution"`
	Message       string    `json:"message"`
}

// AnalyzeRequest is the request body for POST /v1/sessions/{id}/analyze.
type AnalyzeRequest struct {
	StrokeType StrokeType `json:"stroke_type"`
	UserNotes  string     `json:"user_notes"`
}

// Validate applies defaults and checks field constraints.
func (r *AnalyzeRequest) Validate() error {
	if r.StrokeType == "" {
		r.StrokeType = StrokeFreestyle
	}
	if !r.StrokeType.Valid() {
		return fmt.Errorf("stroke_type %q is not a recognised stroke", r.StrokeType)
	}
	if len(r.UserNotes) > MaxUserNotesLen {
		return fmt.Errorf("user_notes exceeds maximum length of %d bytes", MaxUserNotesLen)
	}
	return nil
}

// FeedbackItem is the wire form of one TimestampedFeedback.
type FeedbackItem struct {
	TimestampDisplay string            `json:"timestamp_display"`
	StartSeconds     float64           `json:"start_seconds"`
	EndSeconds       *float64          `json:"end_seconds,omitempty"`
	Category         TechniqueCategory `json:"category"`
	Priority         FeedbackPriority  `json:"priority"`
	Observation      string            `json:"observation"`
	Recommendation   string            `json:"recommendation"`
	Drills           []string          `json:"drills"`
}

// StrengthItem is the wire form of one Strength.
type StrengthItem struct {
	TimestampDisplay string  `json:"timestamp_display"`
	StartSeconds     float64 `json:"start_seconds"`
	Observation      string  `json:"observation"`
}

// AnalysisResponse is the response for POST /v1/sessions/{id}/analyze.
type AnalysisResponse struct {
	SessionID           uuid.UUID      `json:"session_id"`
	StrokeType          StrokeType     `json:"stroke_type"`
	VideoDuration       float64        `json:"video_duration"`
	Summary             string         `json:"summary"`
	Feedback            []FeedbackItem `json:"feedback"`
	Strengths           []StrengthItem `json:"strengths"`
	Drills              []string       `json:"drills"`
	TotalFramesAnalyzed int            `json:"total_frames_analyzed"`
	AnalysisIterations  int            `json:"analysis_iterations"`
	Partial             bool           `json:"partial"`
	Notice              string         `json:"notice,omitempty"`
}

// NewAnalysisResponse projects an AnalysisResult into its wire form.
func NewAnalysisResponse(r *AnalysisResult) AnalysisResponse {
	resp := AnalysisResponse{
		SessionID:           r.SessionID,
		StrokeType:          r.StrokeType,
		VideoDuration:       r.VideoDuration,
		Summary:             r.Summary,
		Feedback:            make([]FeedbackItem, 0, len(r.Feedback)),
		Strengths:           make([]StrengthItem, 0, len(r.Strengths)),
		Drills:              r.Drills(),
		TotalFramesAnalyzed: r.TotalFramesAnalyzed,
		AnalysisIterations:  len(r.Iterations),
		Partial:             r.Partial,
		Notice:              r.Notice,
	}
	if resp.Drills == nil {
		resp.Drills = []string{}
	}
	for _, f := range r.Feedback {
		drills := f.Drills
		if drills == nil {
			drills = []string{}
		}
		resp.Feedback = append(resp.Feedback, FeedbackItem{
			TimestampDisplay: f.Display(),
			StartSeconds:     f.Start,
			EndSeconds:       f.End,
			Category:         f.Category,
			Priority:         f.Priority,
			Observation:      f.Description,
			Recommendation:   f.Recommendation,
			Drills:           drills,
		})
	}
	for _, s := range r.Strengths {
		resp.Strengths = append(resp.Strengths, StrengthItem{
			TimestampDisplay: FormatTimestamp(s.Start),
			StartSeconds:     s.Start,
			Observation:      s.Observation,
		})
	}
	return resp
}

// ChatRequest is the request body for POST /v1/sessions/{id}/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// Validate checks field constraints.
func (r ChatRequest) Validate() error {
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		return fmt.Errorf("message is required")
	}
	if len([]rune(r.Message)) > MaxChatMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d characters", MaxChatMessageLen)
	}
	return nil
}

// ChatResponse is the response for POST /v1/sessions/{id}/chat.
type ChatResponse struct {
	SessionID        uuid.UUID   `json:"session_id"`
	UserMessage      ChatMessage `json:"user_message"`
	AssistantMessage ChatMessage `json:"assistant_message"`
	MessageCount     int         `json:"message_count"`
}

// SessionDetailResponse is the response for GET /v1/sessions/{id}.
type SessionDetailResponse struct {
	SessionID     uuid.UUID     `json:"session_id"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	HasVideo      bool          `json:"has_video"`
	VideoFilename string        `json:"video_filename,omitempty"`
	IsAnalyzed    bool          `json:"is_analyzed"`
	StrokeType    StrokeType    `json:"stroke_type,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	MessageCount  int           `json:"message_count"`
	Messages      []ChatMessage `json:"messages"`
}

// NewSessionDetailResponse projects a session into its wire form.
func NewSessionDetailResponse(s *CoachingSession) SessionDetailResponse {
	resp := SessionDetailResponse{
		SessionID:    s.ID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		HasVideo:     s.HasVideo(),
		IsAnalyzed:   s.IsAnalyzed(),
		MessageCount: len(s.Conversation),
		Messages:     s.Conversation,
	}
	if resp.Messages == nil {
		resp.Messages = []ChatMessage{}
	}
	if s.Video != nil {
		resp.VideoFilename = s.Video.Filename
	}
	if s.Analysis != nil {
		resp.StrokeType = s.Analysis.StrokeType
		resp.Summary = s.Analysis.Summary
	}
	return resp
}

// SessionListResponse is the response for GET /v1/users/me/sessions.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime_seconds"`
}

// ReadinessCheck is one dependency probe in a readiness report.
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "error"
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the response for GET /health/ready.
type ReadinessResponse struct {
	Status  string           `json:"status"` // "ready" or "not_ready"
	Version string           `json:"version"`
	Checks  []ReadinessCheck `json:"checks"`
}
