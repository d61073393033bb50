package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/swimcoach/internal/auth"
	"github.com/ashita-ai/swimcoach/internal/blob"
	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/knowledge"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/server"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/internal/testutil"
	"github.com/ashita-ai/swimcoach/internal/video"
	"github.com/ashita-ai/swimcoach/internal/vision"
)

type testEnv struct {
	srv       *httptest.Server
	store     *storage.MemoryStore
	blobs     *blob.MemoryStore
	vision    *vision.MockClient
	processor *video.MockProcessor
}

type envOptions struct {
	apiKeys        []string
	bypassKeys     []string
	replies        []vision.MockReply
	maxUploadBytes int64
	processor      video.Processor
	chunks         []model.KnowledgeChunk
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()
	store := storage.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	mockVision := vision.NewMockClient(opts.replies...)
	mockProc := video.NewMockProcessor()
	var proc video.Processor = mockProc
	if opts.processor != nil {
		proc = opts.processor
	}

	apiKeys, err := auth.NewKeySet(opts.apiKeys)
	require.NoError(t, err)
	bypassKeys, err := auth.NewKeySet(opts.bypassKeys)
	require.NoError(t, err)
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	chunks := knowledge.NewMemoryChunks()
	know := knowledge.NewService(chunks, knowledge.NewNoopEmbedder(8), nil, logger)
	if len(opts.chunks) > 0 {
		_, err := know.Import(context.Background(), opts.chunks)
		require.NoError(t, err)
	}

	engine := coach.NewEngine(mockVision, proc, coach.Config{MaxIterations: 2}, logger)
	srv := server.New(server.ServerConfig{
		Store:           store,
		Blobs:           blobs,
		Engine:          engine,
		Processor:       proc,
		Usage:           ratelimit.NewUsagePolicy(store, 3, bypassKeys, logger),
		JWTMgr:          jwtMgr,
		Logger:          logger,
		Knowledge:       know,
		KnowledgeHealth: know,
		APIKeys:         apiKeys,
		BypassKeys:      bypassKeys,
		Version:         "test",
		MaxUploadBytes:  opts.maxUploadBytes,
		CORSOrigins:     []string{"http://localhost:3000"},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: store, blobs: blobs, vision: mockVision, processor: mockProc}
}

type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Error model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp, env
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, http.MethodPost, path, bytes.NewReader(b), headers)
}

func uploadBody(t *testing.T, filename, contentType string, data []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="video"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, headers map[string]string) uuid.UUID {
	t.Helper()
	body, ct := uploadBody(t, "lap.mp4", "video/mp4", []byte("fake mp4 bytes"), map[string]string{"stroke_type": "freestyle"})
	h := map[string]string{"Content-Type": ct}
	for k, v := range headers {
		h[k] = v
	}
	resp, env := e.do(t, http.MethodPost, "/v1/videos", body, h)
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Error.Message)
	var out model.VideoUploadResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out.SessionID
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp, env := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[model.HealthResponse](t, env)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, env = e.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[model.ReadinessResponse](t, env)
	assert.Equal(t, "ready", ready.Status)
	names := make([]string, 0, len(ready.Checks))
	for _, c := range ready.Checks {
		names = append(names, c.Name)
		assert.Equal(t, "ok", c.Status)
	}
	assert.Equal(t, []string{"session_store", "blob_store", "knowledge"}, names)
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp, env := e.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "req-123", env.Meta.RequestID)
}

func TestUploadAnalyzeChatFlow(t *testing.T) {
	e := newTestEnv(t, envOptions{chunks: []model.KnowledgeChunk{{
		Source:  "coaching notes",
		Topic:   "freestyle_catch",
		Title:   "Early vertical forearm",
		Content: "Set the forearm vertical early in the catch so the palm and forearm press water backwards.",
	}}})
	user := map[string]string{"X-User-Id": "swimmer-1"}

	id := e.upload(t, user)

	stored, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.Video)
	assert.Equal(t, "videos/"+id.String()+"/original.mp4", stored.Video.StoragePath)
	assert.Equal(t, "swimmer-1", stored.UserID)
	assert.InDelta(t, 30, stored.Video.Duration, 1e-9)

	resp, env := e.postJSON(t, "/v1/sessions/"+id.String()+"/analyze",
		model.AnalyzeRequest{StrokeType: model.StrokeFreestyle, UserNotes: "I feel slow"}, user)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error.Message)
	analysis := decode[model.AnalysisResponse](t, env)
	assert.Equal(t, id, analysis.SessionID)
	assert.Equal(t, model.StrokeFreestyle, analysis.StrokeType)
	assert.NotEmpty(t, analysis.Summary)
	assert.NotEmpty(t, analysis.Feedback)
	assert.Equal(t, 1, analysis.AnalysisIterations)
	assert.False(t, analysis.Partial)

	calls := e.vision.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].SystemPrompt, "Set the forearm vertical early")

	resp, env = e.postJSON(t, "/v1/sessions/"+id.String()+"/chat", model.ChatRequest{Message: "Which drill first?"}, user)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error.Message)
	chat := decode[model.ChatResponse](t, env)
	assert.Equal(t, model.RoleUser, chat.UserMessage.Role)
	assert.Equal(t, model.RoleAssistant, chat.AssistantMessage.Role)
	assert.NotEmpty(t, chat.AssistantMessage.Content)
	assert.Equal(t, 3, chat.MessageCount, "summary turn plus the exchange")

	resp, env = e.do(t, http.MethodGet, "/v1/sessions/"+id.String(), nil, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[model.SessionDetailResponse](t, env)
	assert.True(t, detail.HasVideo)
	assert.True(t, detail.IsAnalyzed)
	assert.Equal(t, "lap.mp4", detail.VideoFilename)
	assert.Equal(t, 3, detail.MessageCount)
	assert.Equal(t, analysis.Summary, detail.Messages[0].Content)

	resp, env = e.do(t, http.MethodGet, "/v1/users/me/sessions", nil, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[model.SessionListResponse](t, env)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, id, list.Sessions[0].ID)
	assert.Equal(t, model.StrokeFreestyle, list.Sessions[0].StrokeType)
}

func TestUploadValidation(t *testing.T) {
	e := newTestEnv(t, envOptions{maxUploadBytes: 1024})

	t.Run("unsupported type", func(t *testing.T) {
		body, ct := uploadBody(t, "lap.gif", "image/gif", []byte("gif"), nil)
		resp, env := e.do(t, http.MethodPost, "/v1/videos", body, map[string]string{"Content-Type": ct})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, env.Error.Message, "Unsupported video format: image/gif")
	})

	t.Run("too large", func(t *testing.T) {
		body, ct := uploadBody(t, "lap.mp4", "video/mp4", bytes.Repeat([]byte{1}, 4096), nil)
		resp, env := e.do(t, http.MethodPost, "/v1/videos", body, map[string]string{"Content-Type": ct})
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assert.Equal(t, model.ErrCodePayloadTooLarge, env.Error.Code)
	})

	t.Run("missing file", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("stroke_type", "freestyle"))
		require.NoError(t, mw.Close())
		resp, env := e.do(t, http.MethodPost, "/v1/videos", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "video file is required", env.Error.Message)
	})

	t.Run("bad stroke", func(t *testing.T) {
		body, ct := uploadBody(t, "lap.mp4", "video/mp4", []byte("x"), map[string]string{"stroke_type": "doggy"})
		resp, _ := e.do(t, http.MethodPost, "/v1/videos", body, map[string]string{"Content-Type": ct})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("too long", func(t *testing.T) {
		e.processor.Info.Duration = 600
		defer func() { e.processor.Info.Duration = 30 }()
		body, ct := uploadBody(t, "lap.mov", "video/quicktime", []byte("x"), nil)
		resp, env := e.do(t, http.MethodPost, "/v1/videos", body, map[string]string{"Content-Type": ct})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Video too long (600s). Maximum is 120s.", env.Error.Message)
	})
}

type brokenProcessor struct{ *video.MockProcessor }

func (brokenProcessor) Probe(context.Context, []byte) (model.VideoInfo, error) {
	return model.VideoInfo{}, video.ErrProcessing
}

func TestUploadProbeFailure(t *testing.T) {
	e := newTestEnv(t, envOptions{processor: brokenProcessor{video.NewMockProcessor()}})
	body, ct := uploadBody(t, "lap.mp4", "video/mp4", []byte("not a video"), nil)
	resp, env := e.do(t, http.MethodPost, "/v1/videos", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, strings.HasPrefix(env.Error.Message, "Could not process video"))
}

func TestAnalyzeErrors(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp, env := e.postJSON(t, "/v1/sessions/"+uuid.NewString()+"/analyze", model.AnalyzeRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	resp, _ = e.postJSON(t, "/v1/sessions/not-a-uuid/analyze", model.AnalyzeRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id := e.upload(t, nil)
	resp, _ = e.postJSON(t, "/v1/sessions/"+id.String()+"/analyze", model.AnalyzeRequest{StrokeType: "sidestroke"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing blob.
	require.NoError(t, e.blobs.Delete(context.Background(), "videos/"+id.String()+"/original.mp4"))
	resp, env = e.postJSON(t, "/v1/sessions/"+id.String()+"/analyze", model.AnalyzeRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Video not found. Please upload first.", env.Error.Message)
}

func TestAnalyzeFirstPassRateLimited(t *testing.T) {
	e := newTestEnv(t, envOptions{replies: []vision.MockReply{{Err: vision.ErrRateLimited}}})
	id := e.upload(t, nil)

	resp, env := e.postJSON(t, "/v1/sessions/"+id.String()+"/analyze", model.AnalyzeRequest{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnavailable, env.Error.Code)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestAnalyzeProviderErrorIsGeneric(t *testing.T) {
	e := newTestEnv(t, envOptions{replies: []vision.MockReply{{Err: errors.New("upstream said: secret-token-123")}}})
	id := e.upload(t, nil)

	resp, env := e.postJSON(t, "/v1/sessions/"+id.String()+"/analyze", model.AnalyzeRequest{}, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, env.Error.Message, "secret-token-123")
}

func TestAnalyzeDailyLimit(t *testing.T) {
	e := newTestEnv(t, envOptions{bypassKeys: []string{"coach-bypass"}})
	user := map[string]string{"X-User-Id": "limited"}
	id := e.upload(t, user)
	path := "/v1/sessions/" + id.String() + "/analyze"

	for i := 0; i < 3; i++ {
		resp, env := e.postJSON(t, path, model.AnalyzeRequest{}, user)
		require.Equal(t, http.StatusOK, resp.StatusCode, "analysis %d: %s", i+1, env.Error.Message)
	}
	resp, env := e.postJSON(t, path, model.AnalyzeRequest{}, user)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "Daily limit of 3 analyses reached. Try again tomorrow!", env.Error.Message)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, env = e.do(t, http.MethodGet, "/v1/usage", nil, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[model.UsageStatus](t, env)
	assert.Equal(t, 3, usage.Count)
	assert.Zero(t, usage.Remaining)

	bypass := map[string]string{"X-User-Id": "limited", "X-API-Key": "coach-bypass"}
	resp, env = e.postJSON(t, path, model.AnalyzeRequest{}, bypass)
	assert.Equal(t, http.StatusOK, resp.StatusCode, env.Error.Message)
}

func TestChatErrors(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	id := e.upload(t, nil)

	resp, env := e.postJSON(t, "/v1/sessions/"+id.String()+"/chat", model.ChatRequest{Message: "hi"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotAnalyzed, env.Error.Code)

	resp, _ = e.postJSON(t, "/v1/sessions/"+uuid.NewString()+"/chat", model.ChatRequest{Message: "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.postJSON(t, "/v1/sessions/"+id.String()+"/chat", model.ChatRequest{Message: "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.postJSON(t, "/v1/sessions/"+id.String()+"/chat", model.ChatRequest{Message: strings.Repeat("a", 2001)}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/sessions/"+id.String()+"/chat", strings.NewReader(`{"message":"hi","extra":1}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionOwnership(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	id := e.upload(t, map[string]string{"X-User-Id": "owner"})

	resp, _ := e.do(t, http.MethodGet, "/v1/sessions/"+id.String(), nil, map[string]string{"X-User-Id": "someone-else"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+id.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+id.String(), nil, map[string]string{"X-User-Id": "owner"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListSessionsRequiresUser(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp, _ := e.do(t, http.MethodGet, "/v1/users/me/sessions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequiredWhenKeysConfigured(t *testing.T) {
	e := newTestEnv(t, envOptions{apiKeys: []string{"app-key"}, bypassKeys: []string{"bypass-key"}})

	resp, env := e.do(t, http.MethodGet, "/v1/users/me/sessions", nil, map[string]string{"X-User-Id": "u1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)

	resp, _ = e.do(t, http.MethodGet, "/v1/users/me/sessions", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/users/me/sessions", nil, map[string]string{"X-API-Key": "app-key", "X-User-Id": "u1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.postJSON(t, "/auth/token", model.AuthTokenRequest{UserID: "u1", APIKey: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, env = e.postJSON(t, "/auth/token", model.AuthTokenRequest{UserID: "u1", APIKey: "app-key"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error.Message)
	tok := decode[model.AuthTokenResponse](t, env)
	require.NotEmpty(t, tok.Token)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	bearer := map[string]string{"Authorization": "Bearer " + tok.Token}
	id := e.upload(t, bearer)
	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+id.String(), nil, bearer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+id.String(), nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+id.String(), nil, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A token minted with a bypass key is exempt from the daily limit.
	resp, env = e.postJSON(t, "/auth/token", model.AuthTokenRequest{UserID: "u1", APIKey: "bypass-key"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bypassTok := decode[model.AuthTokenResponse](t, env)
	resp, env = e.do(t, http.MethodGet, "/v1/usage", nil, map[string]string{"Authorization": "Bearer " + bypassTok.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.UsageStatus](t, env).Bypassed)

	// Health stays open.
	resp, _ = e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp, _ := e.do(t, http.MethodOptions, "/v1/videos", nil, map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = e.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
