// Package mcp implements the Model Context Protocol server for swimcoach.
//
// The MCP server exposes the coaching workflow of the HTTP API as MCP
// tools, resources and prompts, so an MCP-compatible assistant can run an
// analysis on an uploaded video, read the result and ask the coach
// follow-up questions on the swimmer's behalf.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/service/coaching"
	"github.com/ashita-ai/swimcoach/internal/vision"
)

// KnowledgeSearcher is the slice of the knowledge service used by the
// search_knowledge tool.
type KnowledgeSearcher interface {
	Search(ctx context.Context, stroke model.StrokeType, summary string, limit int) ([]model.KnowledgeChunk, error)
}

// reanalysisWindow is how long after an analysis a repeat analysis of the
// same session draws a nudge towards ask_coach.
const reanalysisWindow = 30 * time.Minute

// Server wraps the MCP server with swimcoach's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	coaching  *coaching.Service
	knowledge KnowledgeSearcher
	logger    *slog.Logger
	analyzed  *analysisTracker
}

// New creates and configures a new MCP server with all resources, tools
// and prompts. knowledge may be nil, in which case search_knowledge
// reports that reference material is unavailable.
func New(svc *coaching.Service, knowledge KnowledgeSearcher, logger *slog.Logger, version string) *Server {
	s := &Server{
		coaching:  svc,
		knowledge: knowledge,
		logger:    logger,
		analyzed:  newAnalysisTracker(reanalysisWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"swimcoach",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `swimcoach reviews swimming videos and gives technique feedback.

Videos are uploaded over the HTTP API (POST /v1/videos), which returns a
session_id. With that id:
1. analyze_session runs the vision analysis (counts against the daily limit).
2. get_session or the swimcoach://sessions/{id} resource returns the result.
3. ask_coach answers follow-up questions about the analysis.`

func parseSessionID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid session_id: " + raw)
	}
	return id, nil
}

// coachingErrorResult turns a workflow error into a tool error with a
// message the assistant can relay. Infrastructure detail is logged only.
func (s *Server) coachingErrorResult(tool string, err error) *mcplib.CallToolResult {
	var limitErr *coaching.LimitError
	var stepErr *coaching.StepError
	switch {
	case errors.As(err, &limitErr):
		return errorResult(limitErr.Error())
	case errors.Is(err, coaching.ErrSessionNotFound):
		return errorResult("session not found")
	case errors.Is(err, coaching.ErrVideoNotFound):
		return errorResult("Video not found. Please upload first.")
	case errors.Is(err, coach.ErrInvalidInput):
		return errorResult(err.Error())
	case errors.Is(err, coach.ErrNotAnalyzed):
		return errorResult("Session has not been analyzed yet. Call analyze_session first.")
	case errors.Is(err, coach.ErrNoFrames):
		return errorResult("Could not extract frames from the video. Please try a different file.")
	case errors.Is(err, vision.ErrRateLimited):
		return errorResult("The coach is busy right now. Please try again shortly.")
	case errors.As(err, &stepErr):
		s.logger.Error("mcp: "+tool+" failed", "step", stepErr.Step, "error", stepErr.Err)
		return errorResult(stepErr.Step)
	default:
		s.logger.Error("mcp: "+tool+" failed", "error", err)
		return errorResult(tool + " failed")
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
