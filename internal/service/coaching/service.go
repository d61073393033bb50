// Package coaching provides the session workflow shared by the HTTP API and
// the MCP server: loading sessions with ownership checks, charging the daily
// analysis allowance, running the analysis engine and carrying on the
// follow-up conversation.
package coaching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/swimcoach/internal/blob"
	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/knowledge"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/internal/telemetry"
	"github.com/ashita-ai/swimcoach/internal/video"
)

var (
	// ErrSessionNotFound is returned for unknown sessions and for sessions
	// owned by another user.
	ErrSessionNotFound = errors.New("coaching: session not found")

	// ErrVideoNotFound means the session exists but its video is gone.
	ErrVideoNotFound = errors.New("coaching: video not found")
)

// LimitError reports an exhausted daily analysis allowance.
type LimitError struct {
	Status model.UsageStatus
}

func (e *LimitError) Error() string { return ratelimit.LimitMessage(e.Status.Limit) }

// StepError wraps an infrastructure failure with the workflow step it
// happened in. Step is safe to show to callers; the wrapped error is not.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Deps holds the collaborators of a Service. Knowledge is optional.
type Deps struct {
	Store     storage.SessionStore
	Blobs     blob.Store
	Engine    *coach.Engine
	Processor video.Processor
	Knowledge knowledge.Lookup
	Usage     *ratelimit.UsagePolicy
	Logger    *slog.Logger
}

// Service runs coaching workflows.
type Service struct {
	store     storage.SessionStore
	blobs     blob.Store
	engine    *coach.Engine
	processor video.Processor
	knowledge knowledge.Lookup
	usage     *ratelimit.UsagePolicy
	logger    *slog.Logger
	now       func() time.Time

	knowledgeDuration metric.Float64Histogram
	limited           metric.Int64Counter
}

// New creates a coaching Service.
func New(d Deps) *Service {
	meter := telemetry.Meter("swimcoach/coaching")
	knowDur, _ := meter.Float64Histogram("swimcoach.knowledge.duration",
		metric.WithDescription("Time to fetch reference snippets (ms)"),
		metric.WithUnit("ms"),
	)
	limited, _ := meter.Int64Counter("swimcoach.usage.limited",
		metric.WithDescription("Analyses refused by the daily limit"),
	)
	return &Service{
		store:             d.Store,
		blobs:             d.Blobs,
		engine:            d.Engine,
		processor:         d.Processor,
		knowledge:         d.Knowledge,
		usage:             d.Usage,
		logger:            d.Logger,
		now:               time.Now,
		knowledgeDuration: knowDur,
		limited:           limited,
	}
}

// Session loads a session visible to caller. A session created by a named
// user is visible only to that user; anonymous sessions are visible to all.
func (s *Service) Session(ctx context.Context, id uuid.UUID, caller ctxutil.Identity) (*model.CoachingSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, &StepError{Step: "load session", Err: err}
	}
	if sess.UserID != "" && sess.UserID != caller.UserID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Analyze charges one analysis to caller, runs the engine over the
// session's video and stores the result. The summary becomes the first
// assistant turn of the conversation. The charge is kept even when the
// analysis fails.
func (s *Service) Analyze(ctx context.Context, id uuid.UUID, caller ctxutil.Identity, apiKey string, req model.AnalyzeRequest) (*model.AnalysisResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("swimcoach.session_id", id.String()),
		attribute.String("swimcoach.stroke", string(req.StrokeType)),
	)

	sess, err := s.Session(ctx, id, caller)
	if err != nil {
		return nil, err
	}

	if status, allowed := s.usage.Charge(ctx, caller, apiKey); !allowed {
		s.limited.Add(ctx, 1)
		return nil, &LimitError{Status: status}
	}

	knownPath := ""
	if sess.Video != nil {
		knownPath = sess.Video.StoragePath
	}
	data, _, err := blob.LoadVideo(ctx, s.blobs, sess.ID, knownPath)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, &StepError{Step: "Failed to retrieve video", Err: err}
	}

	info, err := s.processor.Probe(ctx, data)
	if err != nil {
		return nil, &StepError{Step: "Failed to process video", Err: err}
	}

	result, err := s.engine.Analyze(ctx, coach.AnalyzeInput{
		SessionID: sess.ID,
		Video:     data,
		Duration:  info.Duration,
		Stroke:    req.StrokeType,
		Notes:     req.UserNotes,
		Knowledge: s.Knowledge(ctx, req.StrokeType, req.UserNotes),
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess.SetAnalysis(result, now)
	sess.AddMessage(model.RoleAssistant, result.Summary, now)
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, &StepError{Step: "Failed to save analysis", Err: err}
	}
	span.SetAttributes(
		attribute.Int("swimcoach.iterations", len(result.Iterations)),
		attribute.Int("swimcoach.frames", result.TotalFramesAnalyzed),
	)
	return result, nil
}

// Knowledge fetches reference snippets for a stroke. Failures only cost
// context, so they are logged and nil is returned.
func (s *Service) Knowledge(ctx context.Context, stroke model.StrokeType, notes string) []string {
	if s.knowledge == nil {
		return nil
	}
	start := time.Now()
	snippets, err := s.knowledge.Relevant(ctx, stroke, notes, knowledge.MaxSnippets)
	s.knowledgeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.logger.Warn("knowledge lookup failed", "stroke", stroke, "error", err)
		return nil
	}
	return snippets
}

// Chat answers a follow-up question about an analyzed session and appends
// both turns to the stored conversation.
func (s *Service) Chat(ctx context.Context, id uuid.UUID, caller ctxutil.Identity, message string) (model.ChatResponse, error) {
	sess, err := s.Session(ctx, id, caller)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if !sess.IsAnalyzed() {
		return model.ChatResponse{}, coach.ErrNotAnalyzed
	}

	reply, err := s.engine.Reply(ctx, sess, message)
	if err != nil {
		return model.ChatResponse{}, err
	}

	now := s.now().UTC()
	userMsg := sess.AddMessage(model.RoleUser, message, now)
	assistantMsg := sess.AddMessage(model.RoleAssistant, reply, now)
	if err := s.store.AppendMessages(ctx, sess.ID, userMsg, assistantMsg); err != nil {
		return model.ChatResponse{}, &StepError{Step: "Failed to save conversation", Err: err}
	}
	return model.ChatResponse{
		SessionID:        sess.ID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		MessageCount:     len(sess.Conversation),
	}, nil
}

// Sessions lists the caller's sessions, newest first.
func (s *Service) Sessions(ctx context.Context, caller ctxutil.Identity, limit int) ([]model.SessionSummary, error) {
	if caller.UserID == "" {
		return nil, fmt.Errorf("%w: a user identity is required", coach.ErrInvalidInput)
	}
	sessions, err := s.store.ListSessions(ctx, caller.UserID, limit)
	if err != nil {
		return nil, &StepError{Step: "failed to list sessions", Err: err}
	}
	if sessions == nil {
		sessions = []model.SessionSummary{}
	}
	return sessions, nil
}

// Usage reports the caller's allowance for today.
func (s *Service) Usage(ctx context.Context, caller ctxutil.Identity, apiKey string) (model.UsageStatus, error) {
	identifier, kind := ratelimit.Subject(caller)
	status, err := s.usage.Current(ctx, identifier, kind)
	if err != nil {
		return model.UsageStatus{}, err
	}
	status.Bypassed = s.usage.Bypassed(caller, apiKey)
	return status, nil
}
