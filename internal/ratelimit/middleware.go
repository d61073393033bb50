package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// rate limiting for the request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces limiter per key. A
// limiter error lets the request through.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", "1")
				writeRateLimitError(w, ctxutil.RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IdentityKeyFunc keys requests by user when known, else by client IP.
func IdentityKeyFunc(r *http.Request) string {
	id := ctxutil.IdentityFromContext(r.Context())
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "ip:" + ctxutil.ClientIP(r)
}
