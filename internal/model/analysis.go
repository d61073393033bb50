package model

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// StrokeType is the swimming stroke under analysis.
type StrokeType string

const (
	StrokeFreestyle    StrokeType = "freestyle"
	StrokeBackstroke   StrokeType = "backstroke"
	StrokeBreaststroke StrokeType = "breaststroke"
	StrokeButterfly    StrokeType = "butterfly"
	StrokeMixed        StrokeType = "mixed"
)

// AllStrokes lists the known strokes in display order.
var AllStrokes = []StrokeType{StrokeFreestyle, StrokeBackstroke, StrokeBreaststroke, StrokeButterfly, StrokeMixed}

// Valid reports whether s is one of the known strokes.
func (s StrokeType) Valid() bool {
	switch s {
	case StrokeFreestyle, StrokeBackstroke, StrokeBreaststroke, StrokeButterfly, StrokeMixed:
		return true
	}
	return false
}

// TechniqueCategory groups a piece of feedback by the part of the stroke it addresses.
type TechniqueCategory string

const (
	CategoryBodyPosition TechniqueCategory = "body_position"
	CategoryCatchAndPull TechniqueCategory = "catch_and_pull"
	CategoryRecovery     TechniqueCategory = "recovery"
	CategoryKick         TechniqueCategory = "kick"
	CategoryTiming       TechniqueCategory = "timing"
	CategoryBreathing    TechniqueCategory = "breathing"
	CategoryTurns        TechniqueCategory = "turns"
	CategoryStarts       TechniqueCategory = "starts"
)

// ParseCategory maps a model-supplied string to a category. Unknown values
// fall back to body_position.
func ParseCategory(s string) TechniqueCategory {
	switch c := TechniqueCategory(s); c {
	case CategoryBodyPosition, CategoryCatchAndPull, CategoryRecovery, CategoryKick,
		CategoryTiming, CategoryBreathing, CategoryTurns, CategoryStarts:
		return c
	}
	return CategoryBodyPosition
}

// FeedbackPriority ranks how urgently a swimmer should address an item.
type FeedbackPriority string

const (
	PriorityPrimary    FeedbackPriority = "primary"
	PrioritySecondary  FeedbackPriority = "secondary"
	PriorityRefinement FeedbackPriority = "refinement"
)

// ParsePriority maps a model-supplied string to a priority. Unknown values
// fall back to secondary.
func ParsePriority(s string) FeedbackPriority {
	switch p := FeedbackPriority(s); p {
	case PriorityPrimary, PrioritySecondary, PriorityRefinement:
		return p
	}
	return PrioritySecondary
}

// Rank returns the sort rank of p (lower sorts first).
func (p FeedbackPriority) Rank() int {
	switch p {
	case PriorityPrimary:
		return 0
	case PrioritySecondary:
		return 1
	case PriorityRefinement:
		return 2
	}
	return 1
}

// VideoInfo is the probed metadata of an uploaded video.
type VideoInfo struct {
	Duration float64 `json:"duration_seconds"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Codec    string  `json:"codec"`
}

// Resolution formats the frame size as WIDTHxHEIGHT.
func (v VideoInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Frame is a single still image pulled from a video.
type Frame struct {
	Data      []byte  `json:"-"`
	Timestamp float64 `json:"timestamp_seconds"`
	Number    int     `json:"frame_number"`
}

// FrameRequest is the model asking to see a time range more closely.
type FrameRequest struct {
	Start  float64 `json:"start_seconds"`
	End    float64 `json:"end_seconds"`
	Reason string  `json:"reason"`
	FPS    float64 `json:"fps"`
}

// TimestampedFeedback is a coaching observation anchored to a point or
// range in the video.
type TimestampedFeedback struct {
	Category       TechniqueCategory `json:"category"`
	Description    string            `json:"description"`
	Recommendation string            `json:"recommendation"`
	Start          float64           `json:"start_seconds"`
	End            *float64          `json:"end_seconds,omitempty"`
	Priority       FeedbackPriority  `json:"priority"`
	Drills         []string          `json:"drills"`
}

// Display renders the anchor as "0:12.0" or "0:12.0-0:15.5".
func (f TimestampedFeedback) Display() string {
	start := FormatTimestamp(f.Start)
	if f.End != nil && *f.End != f.Start {
		return start + "-" + FormatTimestamp(*f.End)
	}
	return start
}

// FormatTimestamp renders seconds as M:SS.s.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	tenths := int64(math.Round(seconds * 10))
	mins := tenths / 600
	secs := float64(tenths%600) / 10
	return fmt.Sprintf("%d:%04.1f", mins, secs)
}

// Strength is something the swimmer is already doing well.
type Strength struct {
	Start       float64 `json:"start_seconds"`
	Observation string  `json:"observation"`
}

// AgentIteration records one pass of the analysis loop. Iterations are
// appended to a result and never modified afterwards.
type AgentIteration struct {
	Number         int                   `json:"iteration"`
	FramesAnalyzed int                   `json:"frames_analyzed"`
	Timestamps     []float64             `json:"timestamps"`
	Summary        string                `json:"summary"`
	FrameRequests  []FrameRequest        `json:"frame_requests"`
	Feedback       []TimestampedFeedback `json:"feedback"`
	Strengths      []Strength            `json:"strengths,omitempty"`
}

// AnalysisResult is the compiled output of a multi-pass analysis.
type AnalysisResult struct {
	SessionID           uuid.UUID             `json:"session_id"`
	StrokeType          StrokeType            `json:"stroke_type"`
	VideoDuration       float64               `json:"video_duration_seconds"`
	Iterations          []AgentIteration      `json:"iterations"`
	Summary             string                `json:"summary"`
	Feedback            []TimestampedFeedback `json:"feedback"`
	Strengths           []Strength            `json:"strengths"`
	TotalFramesAnalyzed int                   `json:"total_frames_analyzed"`
	Partial             bool                  `json:"partial"`
	Notice              string                `json:"notice,omitempty"`
}

// PrimaryFeedback returns only the primary-priority items.
func (r *AnalysisResult) PrimaryFeedback() []TimestampedFeedback {
	var out []TimestampedFeedback
	for _, f := range r.Feedback {
		if f.Priority == PriorityPrimary {
			out = append(out, f)
		}
	}
	return out
}

// Drills returns the distinct drill suggestions across all feedback, in
// order of first appearance.
func (r *AnalysisResult) Drills() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range r.Feedback {
		for _, d := range f.Drills {
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
