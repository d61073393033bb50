package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/swimcoach/internal/auth"
	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/testutil"
)

func TestRateLimitMiddleware(t *testing.T) {
	// Burst of 2, so the third rapid request from one IP is rejected.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	authn := &authenticator{}
	handler := authn.middleware(ratelimit.Middleware(limiter, ratelimit.IdentityKeyFunc, testutil.TestLogger())(inner))

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	}

	// A named user has a bucket of their own.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	req.Header.Set("X-User-Id", "swimmer-2")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func identityProbe(got *ctxutil.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = ctxutil.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticatorOpenMode(t *testing.T) {
	var got ctxutil.Identity
	h := (&authenticator{}).middleware(identityProbe(&got))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.RemoteAddr = "10.1.2.3:999"
	req.Header.Set("X-User-Id", "swimmer-1")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "swimmer-1", got.UserID)
	assert.Equal(t, "10.1.2.3", got.ClientIP)
	assert.False(t, got.Authenticated)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-User-Id", "bad\x00id")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticatorBearer(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	keys, err := auth.NewKeySet([]string{"k1"})
	require.NoError(t, err)

	var got ctxutil.Identity
	h := (&authenticator{jwt: jwtMgr, apiKeys: keys}).middleware(identityProbe(&got))

	token, _, err := jwtMgr.IssueToken("swimmer-9", true)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("X-User-Id", "spoofed")
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "swimmer-9", got.UserID, "token subject wins over the header")
	assert.True(t, got.Bypass)
	assert.True(t, got.Authenticated)

	// Public paths skip credentials entirely.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := requestIDMiddleware(recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body.Meta.RequestID)
}

func TestDecodeJSON(t *testing.T) {
	var target model.ChatRequest

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	assert.ErrorIs(t, decodeJSON(rec, req, &target, 1024), errEmptyBody)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"`+strings.Repeat("x", 2048)+`"}`))
	err := decodeJSON(rec, req, &target, 64)
	require.Error(t, err)
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, decodeJSON(rec, req, &target, 1024))
	assert.Equal(t, "hi", target.Message)
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusTeapot, sw.statusCode)
	assert.Equal(t, rec, sw.Unwrap())
}
