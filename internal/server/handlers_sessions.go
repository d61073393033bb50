package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/swimcoach/internal/blob"
	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/service/coaching"
	"github.com/ashita-ai/swimcoach/internal/video"
	"github.com/ashita-ai/swimcoach/internal/vision"
)

// allowedVideoTypes are the upload content types accepted. An upload with
// no declared type is let through to the probe.
var allowedVideoTypes = map[string]bool{
	"video/mp4":       true,
	"video/quicktime": true,
	"video/x-msvideo": true,
	"video/webm":      true,
}

// multipartOverhead is headroom for form fields and boundaries on top of
// the video size cap.
const multipartOverhead = 1 << 20

// HandleUploadVideo handles POST /v1/videos (multipart form: video,
// stroke_type, user_notes).
func (h *Handlers) HandleUploadVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodePayloadTooLarge, h.tooLargeMessage())
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expected a multipart form with a video file")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	stroke := model.StrokeType(strings.ToLower(strings.TrimSpace(r.FormValue("stroke_type"))))
	if stroke != "" && !stroke.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("stroke_type %q is not a recognised stroke", stroke))
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "video file is required")
		return
	}
	defer func() { _ = file.Close() }()

	contentType := header.Header.Get("Content-Type")
	if contentType != "" && !allowedVideoTypes[contentType] {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Unsupported video format: %s. Use MP4, MOV, AVI, or WebM.", contentType))
		return
	}
	if header.Size > h.maxUploadBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodePayloadTooLarge, h.tooLargeMessage())
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "could not read video file")
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodePayloadTooLarge, h.tooLargeMessage())
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "video file is empty")
		return
	}

	info, err := h.processor.Probe(ctx, data)
	if err != nil {
		h.logger.Warn("upload: probe failed", "error", err, "filename", header.Filename)
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"Could not process video. Please ensure it's a valid video file.")
		return
	}
	if info.Duration > h.maxVideoSeconds {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Video too long (%.0fs). Maximum is %.0fs.", info.Duration, h.maxVideoSeconds))
		return
	}

	id := ctxutil.IdentityFromContext(ctx)
	now := h.now().UTC()
	sess := model.NewSession(id.UserID, now)
	filename := header.Filename
	if filename == "" {
		filename = "video.mp4"
	}

	path, err := blob.PutVideo(ctx, h.blobs, sess.ID, filename, data)
	if err != nil {
		h.writeInternalError(w, r, "Failed to store video", err)
		return
	}
	if contentType == "" {
		contentType = blob.ContentType(blob.Extension(filename))
	}
	sess.Video = &model.VideoMetadata{
		ID:          uuid.New(),
		Filename:    filename,
		ContentType: contentType,
		Duration:    info.Duration,
		Width:       info.Width,
		Height:      info.Height,
		FPS:         info.FPS,
		FileSize:    int64(len(data)),
		StoragePath: path,
		UploadedAt:  now,
	}
	if err := h.store.SaveSession(ctx, sess); err != nil {
		if derr := h.blobs.Delete(context.WithoutCancel(ctx), path); derr != nil {
			h.logger.Warn("upload: orphaned blob", "path", path, "error", derr)
		}
		h.writeInternalError(w, r, "Failed to create session", err)
		return
	}

	h.logger.Info("video uploaded",
		"session_id", sess.ID,
		"user_id", id.UserID,
		"duration", info.Duration,
		"resolution", info.Resolution(),
		"size_bytes", len(data),
		"stroke_hint", stroke,
	)
	writeJSON(w, r, http.StatusCreated, model.VideoUploadResponse{
		SessionID:     sess.ID,
		VideoDuration: info.Duration,
		Resolution:    info.Resolution(),
		Message:       "Video uploaded successfully. Ready for analysis.",
	})
}

func (h *Handlers) tooLargeMessage() string {
	return fmt.Sprintf("Video exceeds maximum size of %dMB", h.maxUploadBytes>>20)
}

// HandleAnalyze handles POST /v1/sessions/{session_id}/analyze.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req model.AnalyzeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	caller := ctxutil.IdentityFromContext(r.Context())
	result, err := h.coaching.Analyze(r.Context(), id, caller, r.Header.Get("X-API-Key"), req)
	if err != nil {
		h.writeCoachingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewAnalysisResponse(result))
}

// writeCoachingError maps workflow errors to responses. Provider and
// storage detail is logged, never returned.
func (h *Handlers) writeCoachingError(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *coaching.LimitError
	var stepErr *coaching.StepError
	switch {
	case errors.As(err, &limitErr):
		retry := int(limitErr.Status.ResetsAt.Sub(h.now()).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, limitErr.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		h.logger.Info("analysis cancelled", "request_id", ctxutil.RequestIDFromContext(r.Context()))
	case errors.As(err, &stepErr):
		h.writeInternalError(w, r, stepErr.Step, stepErr.Err)
	case errors.Is(err, coaching.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
	case errors.Is(err, coaching.ErrVideoNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Video not found. Please upload first.")
	case errors.Is(err, coach.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, strings.TrimPrefix(err.Error(), "coach: "))
	case errors.Is(err, coach.ErrNoFrames), errors.Is(err, video.ErrProcessing):
		h.logger.Warn("analysis: frame extraction failed", "error", err)
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnprocessable,
			"Could not extract frames from the video. Please try a different file.")
	case errors.Is(err, coach.ErrNotAnalyzed):
		writeError(w, r, http.StatusConflict, model.ErrCodeNotAnalyzed, "Session has not been analyzed yet. Run an analysis first.")
	case errors.Is(err, vision.ErrRateLimited):
		h.logger.Warn("vision provider rate limited", "error", err)
		w.Header().Set("Retry-After", "30")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"The coach is busy right now. Please try again shortly.")
	default:
		h.writeInternalError(w, r, "Analysis failed", err)
	}
}

// HandleChat handles POST /v1/sessions/{session_id}/chat.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.coaching.Chat(r.Context(), id, ctxutil.IdentityFromContext(r.Context()), req.Message)
	if err != nil {
		h.writeCoachingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	sess, err := h.coaching.Session(r.Context(), id, ctxutil.IdentityFromContext(r.Context()))
	if err != nil {
		h.writeCoachingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewSessionDetailResponse(sess))
}

// HandleListMySessions handles GET /v1/users/me/sessions.
func (h *Handlers) HandleListMySessions(w http.ResponseWriter, r *http.Request) {
	id := ctxutil.IdentityFromContext(r.Context())
	if id.UserID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "a user identity is required (X-User-Id or a bearer token)")
		return
	}
	sessions, err := h.coaching.Sessions(r.Context(), id, queryLimit(r, 10))
	if err != nil {
		h.writeCoachingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// HandleUsage handles GET /v1/usage: the caller's analysis allowance today.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	status, err := h.coaching.Usage(r.Context(), ctxutil.IdentityFromContext(r.Context()), r.Header.Get("X-API-Key"))
	if err != nil {
		h.writeInternalError(w, r, "failed to read usage", err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}
