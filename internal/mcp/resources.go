package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/swimcoach/internal/ctxutil"
)

const (
	sessionURIPrefix = "swimcoach://sessions/"
	mySessionsURI    = "swimcoach://sessions/mine"
	usageURI         = "swimcoach://usage/today"
)

func (s *Server) registerResources() {
	// swimcoach://sessions/mine — the caller's recent sessions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			mySessionsURI,
			"My Sessions",
			mcplib.WithResourceDescription("The requesting swimmer's most recent coaching sessions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleMySessions,
	)

	// swimcoach://usage/today — remaining daily analyses.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			usageURI,
			"Today's Usage",
			mcplib.WithResourceDescription("Video analyses used and remaining today"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleUsageResource,
	)

	// swimcoach://sessions/{id} — one session with its analysis.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{id}",
			"Coaching Session",
			mcplib.WithTemplateDescription("A coaching session with its analysis and recent conversation"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionResource,
	)
}

func (s *Server) handleMySessions(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	sessions, err := s.coaching.Sessions(ctx, ctxutil.IdentityFromContext(ctx), 10)
	if err != nil {
		return nil, fmt.Errorf("mcp: my sessions: %w", err)
	}
	return jsonContents(mySessionsURI, map[string]any{"sessions": sessions, "total": len(sessions)})
}

func (s *Server) handleUsageResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	status, err := s.coaching.Usage(ctx, ctxutil.IdentityFromContext(ctx), "")
	if err != nil {
		return nil, fmt.Errorf("mcp: usage: %w", err)
	}
	return jsonContents(usageURI, status)
}

func (s *Server) handleSessionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseSessionURI(uri)
	if err != nil {
		return nil, err
	}
	sess, err := s.coaching.Session(ctx, id, ctxutil.IdentityFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("mcp: session %s: %w", id, err)
	}
	return jsonContents(uri, compactSession(sess))
}

// parseSessionURI extracts the session ID from swimcoach://sessions/{id}.
func parseSessionURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, sessionURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid session id in URI: %s", uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
