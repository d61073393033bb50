// Package coach runs the multi-pass video analysis loop and follow-up
// coaching chat on top of a vision model and a frame extractor.
//
// An analysis starts from a sparse, uniform sample of the video. After each
// model reply the engine extracts any extra frames the model asked for and
// sends the whole accumulated set again, until the model is satisfied, no
// new frames can be produced or the iteration budget runs out. Results from
// all passes are merged into one timestamp-linked report.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/telemetry"
	"github.com/ashita-ai/swimcoach/internal/video"
	"github.com/ashita-ai/swimcoach/internal/vision"
)

// Errors returned by the engine.
var (
	ErrInvalidInput = errors.New("coach: invalid input")
	ErrNoFrames     = errors.New("coach: no frames could be extracted")
	ErrNotAnalyzed  = errors.New("coach: session has not been analyzed")
)

const (
	// MaxIterationsCeiling is the hard upper bound on MaxIterations.
	MaxIterationsCeiling = 5
	// MaxRequestsPerIteration bounds how many frame ranges are honored
	// from a single reply.
	MaxRequestsPerIteration = 3
	// MaxRequestFPS clamps the sampling rate a frame request may ask for.
	MaxRequestFPS = 5.0
)

// Config tunes the analysis loop. Zero values take the defaults.
type Config struct {
	MaxIterations       int     // default 3, capped at MaxIterationsCeiling
	InitialFPS          float64 // default 0.5 (one frame every two seconds)
	InitialMaxFrames    int     // default 20
	MaxFramesPerRequest int     // default 10
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.MaxIterations > MaxIterationsCeiling {
		c.MaxIterations = MaxIterationsCeiling
	}
	if c.InitialFPS <= 0 {
		c.InitialFPS = 0.5
	}
	if c.InitialMaxFrames <= 0 {
		c.InitialMaxFrames = 20
	}
	if c.MaxFramesPerRequest <= 0 {
		c.MaxFramesPerRequest = 10
	}
	return c
}

// Engine holds only its collaborators and configuration, so one Engine can
// serve concurrent analyses.
type Engine struct {
	vision vision.Client
	frames video.Processor
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	analyses   metric.Int64Counter
	partials   metric.Int64Counter
	iterations metric.Int64Histogram
	frameCount metric.Int64Histogram
	duration   metric.Float64Histogram
}

// NewEngine creates an Engine.
func NewEngine(v vision.Client, p video.Processor, cfg Config, logger *slog.Logger) *Engine {
	meter := telemetry.Meter("swimcoach/coach")
	analyses, _ := meter.Int64Counter("swimcoach.analysis.count",
		metric.WithDescription("Completed analyses by outcome"),
	)
	partials, _ := meter.Int64Counter("swimcoach.analysis.partial",
		metric.WithDescription("Analyses cut short by a rate limit after the first pass"),
	)
	iterations, _ := meter.Int64Histogram("swimcoach.analysis.iterations",
		metric.WithDescription("Model passes per analysis"),
	)
	frameCount, _ := meter.Int64Histogram("swimcoach.analysis.frames",
		metric.WithDescription("Frames sent to the model per analysis, summed across passes"),
	)
	duration, _ := meter.Float64Histogram("swimcoach.analysis.duration",
		metric.WithDescription("Wall-clock time of an analysis (ms)"),
		metric.WithUnit("ms"),
	)
	return &Engine{
		vision:     v,
		frames:     p,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		tracer:     otel.Tracer("swimcoach/coach"),
		analyses:   analyses,
		partials:   partials,
		iterations: iterations,
		frameCount: frameCount,
		duration:   duration,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// AnalyzeInput is one analysis request.
type AnalyzeInput struct {
	SessionID uuid.UUID // generated when nil
	Video     []byte
	Duration  float64
	Stroke    model.StrokeType
	Notes     string
	// Knowledge holds optional reference snippets. Only the first
	// MaxKnowledgeSnippets are used.
	Knowledge []string
}

func (in AnalyzeInput) validate() error {
	if len(in.Video) == 0 {
		return fmt.Errorf("%w: video is empty", ErrInvalidInput)
	}
	if in.Duration <= 0 {
		return fmt.Errorf("%w: video duration must be positive, got %g", ErrInvalidInput, in.Duration)
	}
	if !in.Stroke.Valid() {
		return fmt.Errorf("%w: unknown stroke type %q", ErrInvalidInput, in.Stroke)
	}
	return nil
}

// Analyze runs the multi-pass analysis.
//
// A rate limit after at least one completed pass ends the loop and returns
// a partial result. A rate limit on the first pass, any other model error,
// an empty initial extraction or a cancelled context is returned as an
// error.
func (e *Engine) Analyze(ctx context.Context, in AnalyzeInput) (result *model.AnalysisResult, err error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.SessionID == uuid.Nil {
		in.SessionID = uuid.New()
	}

	ctx, span := e.tracer.Start(ctx, "coach.Analyze", trace.WithAttributes(
		attribute.String("swimcoach.session_id", in.SessionID.String()),
		attribute.String("swimcoach.stroke", string(in.Stroke)),
		attribute.Float64("swimcoach.video_duration", in.Duration),
	))
	start := time.Now()
	defer func() {
		outcome := "complete"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result.Partial:
			outcome = "partial"
			e.partials.Add(ctx, 1)
		}
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		e.analyses.Add(ctx, 1, attrs)
		e.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		if result != nil {
			e.iterations.Record(ctx, int64(len(result.Iterations)))
			e.frameCount.Record(ctx, int64(result.TotalFramesAnalyzed))
		}
		span.End()
	}()

	frames, err := e.frames.ExtractAtFPS(ctx, in.Video, e.cfg.InitialFPS, e.cfg.InitialMaxFrames)
	if err != nil {
		return nil, fmt.Errorf("coach: initial extraction: %w", err)
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	seen := make(map[float64]bool, len(frames))
	for _, f := range frames {
		seen[f.Timestamp] = true
	}

	e.logger.Info("coach: starting analysis",
		"session_id", in.SessionID,
		"stroke", in.Stroke,
		"duration", in.Duration,
		"initial_frames", len(frames),
		"max_iterations", e.cfg.MaxIterations,
	)

	result = &model.AnalysisResult{
		SessionID:     in.SessionID,
		StrokeType:    in.Stroke,
		VideoDuration: in.Duration,
		Iterations:    []model.AgentIteration{},
	}
	systemPrompt := buildSystemPrompt(analysisSystemPrompt, in.Knowledge)
	firstNew := 0

	for i := 1; i <= e.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var userPrompt string
		if i == 1 {
			userPrompt = firstPassPrompt(in.Duration, frames, in.Stroke, in.Notes)
		} else {
			userPrompt = followupPrompt(in.Duration, frames, firstNew, in.Stroke)
		}

		raw, err := e.callModel(ctx, i, frames, systemPrompt, userPrompt)
		if err != nil {
			if errors.Is(err, vision.ErrRateLimited) && i > 1 {
				e.logger.Warn("coach: rate limited, returning partial result",
					"session_id", in.SessionID, "iteration", i, "completed", len(result.Iterations))
				result.Partial = true
				result.Notice = fmt.Sprintf(
					"The analysis stopped after %d of up to %d passes because the vision model is busy. "+
						"The feedback below is based on what was reviewed so far; try again shortly for a more detailed review.",
					len(result.Iterations), e.cfg.MaxIterations)
				break
			}
			return nil, fmt.Errorf("coach: iteration %d: %w", i, err)
		}

		parsed := ParseResponse(raw)
		requests := parsed.FrameRequests
		if len(requests) > MaxRequestsPerIteration {
			requests = requests[:MaxRequestsPerIteration]
		}
		timestamps := make([]float64, len(frames))
		for j, f := range frames {
			timestamps[j] = f.Timestamp
		}
		result.Iterations = append(result.Iterations, model.AgentIteration{
			Number:         i,
			FramesAnalyzed: len(frames),
			Timestamps:     timestamps,
			Summary:        parsed.Summary,
			FrameRequests:  requests,
			Feedback:       parsed.Feedback,
			Strengths:      parsed.Strengths,
		})
		result.TotalFramesAnalyzed += len(frames)

		e.logger.Debug("coach: iteration complete",
			"session_id", in.SessionID,
			"iteration", i,
			"frames", len(frames),
			"feedback", len(parsed.Feedback),
			"need_more_frames", parsed.NeedMoreFrames,
			"requests", len(requests),
			"fallback", parsed.Fallback,
		)

		if parsed.Fallback || !parsed.NeedMoreFrames || len(requests) == 0 || i == e.cfg.MaxIterations {
			break
		}

		added, err := e.extractRequested(ctx, in, requests, seen)
		if err != nil {
			return nil, err
		}
		if len(added) == 0 {
			e.logger.Debug("coach: no new frames for requests, stopping", "session_id", in.SessionID, "iteration", i)
			break
		}
		firstNew = len(frames)
		frames = append(frames, added...)
	}

	result.Summary = CompileSummary(result.Iterations)
	result.Feedback = CompileFeedback(result.Iterations)
	result.Strengths = CompileStrengths(result.Iterations)

	span.SetAttributes(
		attribute.Int("swimcoach.iterations", len(result.Iterations)),
		attribute.Int("swimcoach.frames_analyzed", result.TotalFramesAnalyzed),
		attribute.Bool("swimcoach.partial", result.Partial),
	)
	e.logger.Info("coach: analysis complete",
		"session_id", in.SessionID,
		"iterations", len(result.Iterations),
		"frames_analyzed", result.TotalFramesAnalyzed,
		"feedback", len(result.Feedback),
		"partial", result.Partial,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (e *Engine) callModel(ctx context.Context, iteration int, frames []model.Frame, systemPrompt, userPrompt string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "coach.iteration", trace.WithAttributes(
		attribute.Int("swimcoach.iteration", iteration),
		attribute.Int("swimcoach.frames", len(frames)),
	))
	defer span.End()

	images := make([][]byte, len(frames))
	for i, f := range frames {
		images[i] = f.Data
	}
	raw, err := e.vision.AnalyzeImages(ctx, images, systemPrompt, userPrompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

// extractRequested pulls frames for each request, skipping timestamps that
// were already analyzed. Requested ranges are clipped to [0, duration] and
// their rate is clamped to MaxRequestFPS.
func (e *Engine) extractRequested(ctx context.Context, in AnalyzeInput, requests []model.FrameRequest, seen map[float64]bool) ([]model.Frame, error) {
	var added []model.Frame
	for _, req := range requests {
		fps := req.FPS
		if fps <= 0 {
			fps = defaultRequestFPS
		}
		if fps > MaxRequestFPS {
			fps = MaxRequestFPS
		}
		start := max(req.Start, 0)
		end := min(req.End, in.Duration)

		var fresh []float64
		for _, ts := range Timestamps(start, end, fps) {
			if seen[ts] {
				continue
			}
			fresh = append(fresh, ts)
			if len(fresh) == e.cfg.MaxFramesPerRequest {
				break
			}
		}
		if len(fresh) == 0 {
			continue
		}

		got, err := e.frames.ExtractAtTimestamps(ctx, in.Video, fresh)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.logger.Warn("coach: follow-up extraction failed",
				"session_id", in.SessionID, "start", req.Start, "end", req.End, "error", err)
			continue
		}
		for _, f := range got {
			seen[f.Timestamp] = true
		}
		added = append(added, got...)
	}
	return added, nil
}
