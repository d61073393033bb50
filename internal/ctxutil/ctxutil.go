// Package ctxutil provides shared context key accessors.
//
// Both server and mcp read the caller identity that server's middleware
// stores, so it lives here rather than in either of them.
package ctxutil

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const (
	keyIdentity  contextKey = "identity"
	keyRequestID contextKey = "request_id"
)

// Identity is who a request is acting for.
type Identity struct {
	// UserID is the authenticated or self-declared user; empty for
	// anonymous callers.
	UserID string
	// ClientIP is the remote address without its port.
	ClientIP string
	// Bypass marks callers exempt from the daily usage limit.
	Bypass bool
	// Authenticated is true when UserID came from a verified token.
	Authenticated bool
}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFromContext returns the identity stored in ctx, or the zero
// Identity.
func IdentityFromContext(ctx context.Context) Identity {
	if v, ok := ctx.Value(keyIdentity).(Identity); ok {
		return v
	}
	return Identity{}
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// ClientIP returns the request's remote address without the port.
// X-Forwarded-For is not trusted: any client can set it. Behind a proxy,
// have the proxy rewrite RemoteAddr instead.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
