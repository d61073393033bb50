package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/swimcoach/internal/auth"
	"github.com/ashita-ai/swimcoach/internal/blob"
	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/knowledge"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/service/coaching"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/internal/video"
)

// HealthChecker is a dependency probed by /health/ready.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store      storage.Store
	blobs      blob.Store
	processor  video.Processor
	coaching   *coaching.Service
	knowHealth HealthChecker
	jwtMgr     *auth.JWTManager
	apiKeys    *auth.KeySet
	bypassKeys *auth.KeySet
	logger     *slog.Logger
	startedAt  time.Time
	version    string

	maxRequestBodyBytes int64
	maxUploadBytes      int64
	maxVideoSeconds     float64
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Coaching, Knowledge, KnowledgeHealth, APIKeys,
// BypassKeys. When Coaching is nil one is built from the other deps.
type HandlersDeps struct {
	Coaching        *coaching.Service
	Store           storage.Store
	Blobs           blob.Store
	Engine          *coach.Engine
	Processor       video.Processor
	Knowledge       knowledge.Lookup
	KnowledgeHealth HealthChecker
	Usage           *ratelimit.UsagePolicy
	JWTMgr          *auth.JWTManager
	APIKeys         *auth.KeySet
	BypassKeys      *auth.KeySet
	Logger          *slog.Logger
	Version         string

	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
	MaxVideoSeconds     float64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 100 << 20
	}
	if d.MaxVideoSeconds <= 0 {
		d.MaxVideoSeconds = 120
	}
	if d.Coaching == nil {
		d.Coaching = coaching.New(coaching.Deps{
			Store:     d.Store,
			Blobs:     d.Blobs,
			Engine:    d.Engine,
			Processor: d.Processor,
			Knowledge: d.Knowledge,
			Usage:     d.Usage,
			Logger:    d.Logger,
		})
	}
	return &Handlers{
		store:               d.Store,
		blobs:               d.Blobs,
		processor:           d.Processor,
		coaching:            d.Coaching,
		knowHealth:          d.KnowledgeHealth,
		jwtMgr:              d.JWTMgr,
		apiKeys:             d.APIKeys,
		bypassKeys:          d.BypassKeys,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxUploadBytes:      d.MaxUploadBytes,
		maxVideoSeconds:     d.MaxVideoSeconds,
		now:                 time.Now,
	}
}

// HandleAuthToken handles POST /auth/token. The API key must be one of the
// configured API keys or bypass keys; a bypass key yields a token exempt
// from the daily analysis limit.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !auth.ValidUserID(req.UserID) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id is required and must be printable")
		return
	}

	bypass := h.bypassKeys.Contains(req.APIKey)
	if !bypass && !h.apiKeys.Contains(req.APIKey) {
		if h.apiKeys.Len() == 0 && h.bypassKeys.Len() == 0 {
			auth.DummyVerify()
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID, bypass)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "user_id", req.UserID, "bypass", bypass, "expires_at", expiresAt)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health (liveness).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReady handles GET /health/ready. Every dependency is probed; any
// failure makes the instance not ready.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := []model.ReadinessCheck{
		probe(ctx, "session_store", h.store.Ping),
		probe(ctx, "blob_store", h.blobs.Healthy),
	}
	if h.knowHealth != nil {
		checks = append(checks, probe(ctx, "knowledge", h.knowHealth.Healthy))
	}

	resp := model.ReadinessResponse{Status: "ready", Version: h.version, Checks: checks}
	status := http.StatusOK
	for _, c := range checks {
		if c.Status != "ok" {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

func probe(ctx context.Context, name string, fn func(context.Context) error) model.ReadinessCheck {
	if err := fn(ctx); err != nil {
		return model.ReadinessCheck{Name: name, Status: "error", Error: err.Error()}
	}
	return model.ReadinessCheck{Name: name, Status: "ok"}
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("session_id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id: %s", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 100

// queryLimit returns a bounded limit value from query params.
func queryLimit(r *http.Request, defaultVal int) int {
	n := defaultVal
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	if n < 1 {
		return 1
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}
