package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/knowledge"
	"github.com/ashita-ai/swimcoach/internal/model"
)

const strokeDescription = "Stroke shown in the video: freestyle, backstroke, breaststroke, butterfly or mixed."

func (s *Server) registerTools() {
	// analyze_session — run the multi-pass vision analysis on an uploaded video.
	s.mcpServer.AddTool(
		mcplib.NewTool("analyze_session",
			mcplib.WithDescription(`Analyze the swimming video of a session and produce technique feedback.

WHEN TO USE: Once, after the swimmer has uploaded a video over the HTTP API
and you have its session_id. Each call counts against the swimmer's daily
analysis limit, so do not re-run it to ask follow-up questions; use
ask_coach for that.

WHAT YOU GET BACK:
- summary: the coach's overall assessment
- primary_feedback: the most important corrections, with timestamps
- strengths: what the swimmer already does well
- drills: suggested drills across all feedback
- partial: true when the analysis was cut short but still has results`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("session_id",
				mcplib.Description("Session ID returned by the video upload"),
				mcplib.Required(),
			),
			mcplib.WithString("stroke_type",
				mcplib.Description(strokeDescription+" Defaults to freestyle."),
			),
			mcplib.WithString("user_notes",
				mcplib.Description("Optional notes from the swimmer, e.g. what they are working on or where they feel slow."),
			),
		),
		s.handleAnalyze,
	)

	// get_session — read a session with its analysis and conversation.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_session",
			mcplib.WithDescription(`Fetch a coaching session: video details, the analysis (if run) and the
conversation so far.

WHEN TO USE: To recall an earlier analysis before answering the swimmer,
or to check whether a session has been analyzed yet.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("Session ID returned by the video upload"),
				mcplib.Required(),
			),
		),
		s.handleGetSession,
	)

	// ask_coach — follow-up conversation about an analysis.
	s.mcpServer.AddTool(
		mcplib.NewTool("ask_coach",
			mcplib.WithDescription(`Ask the coach a follow-up question about an analyzed session.

WHEN TO USE: After analyze_session, whenever the swimmer wants to know more:
how to do a drill, what to focus on first, why a correction matters.
The coach sees the full analysis and the conversation so far. Does not
count against the daily analysis limit.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("session_id",
				mcplib.Description("Session ID of an analyzed session"),
				mcplib.Required(),
			),
			mcplib.WithString("message",
				mcplib.Description(fmt.Sprintf("The question for the coach (at most %d characters)", model.MaxChatMessageLen)),
				mcplib.Required(),
			),
		),
		s.handleAskCoach,
	)

	// list_sessions — the caller's recent sessions.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_sessions",
			mcplib.WithDescription(`List the swimmer's recent coaching sessions, newest first.

Requires a user identity (a bearer token or the X-User-Id header).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of sessions to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleListSessions,
	)

	// search_knowledge — look up reference coaching material.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_knowledge",
			mcplib.WithDescription(`Search the swimming reference library for technique and drill material.

WHEN TO USE: To back up an explanation with reference material, or to find
drills for a stroke. With a query the results are ranked by similarity when
semantic search is configured; otherwise they are picked by stroke.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("stroke_type",
				mcplib.Description(strokeDescription),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Optional natural language description of what to look for"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of snippets to return"),
				mcplib.Min(1),
				mcplib.Max(20),
				mcplib.DefaultNumber(knowledge.MaxSnippets),
			),
		),
		s.handleSearchKnowledge,
	)

	// usage_status — how many analyses the caller has left today.
	s.mcpServer.AddTool(
		mcplib.NewTool("usage_status",
			mcplib.WithDescription("Report how many video analyses the swimmer has left today and when the allowance resets."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleUsageStatus,
	)
}

func (s *Server) handleAnalyze(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := parseSessionID(request.GetString("session_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req := model.AnalyzeRequest{
		StrokeType: model.StrokeType(strings.ToLower(strings.TrimSpace(request.GetString("stroke_type", "")))),
		UserNotes:  request.GetString("user_notes", ""),
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	caller := ctxutil.IdentityFromContext(ctx)
	recent := s.analyzed.WasAnalyzed(caller.UserID, id)

	// MCP callers carry bypass rights on their token; there is no API key
	// header to consult here.
	result, err := s.coaching.Analyze(ctx, id, caller, "", req)
	if err != nil {
		return s.coachingErrorResult("analyze_session", err), nil
	}
	s.analyzed.Record(caller.UserID, id)

	out, err := jsonResult(compactAnalysis(result))
	if err != nil {
		return nil, err
	}
	if recent {
		out.Content = append(out.Content, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: This session was already analyzed a few minutes ago and each analysis " +
				"counts against the daily limit. Use ask_coach for follow-up questions instead.",
		})
	}
	return out, nil
}

func (s *Server) handleGetSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := parseSessionID(request.GetString("session_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	sess, err := s.coaching.Session(ctx, id, ctxutil.IdentityFromContext(ctx))
	if err != nil {
		return s.coachingErrorResult("get_session", err), nil
	}
	return jsonResult(compactSession(sess))
}

func (s *Server) handleAskCoach(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := parseSessionID(request.GetString("session_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	msg := model.ChatRequest{Message: request.GetString("message", "")}
	if err := msg.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.coaching.Chat(ctx, id, ctxutil.IdentityFromContext(ctx), msg.Message)
	if err != nil {
		return s.coachingErrorResult("ask_coach", err), nil
	}
	return jsonResult(map[string]any{
		"session_id":    resp.SessionID,
		"reply":         resp.AssistantMessage.Content,
		"message_count": resp.MessageCount,
	})
}

func (s *Server) handleListSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := min(max(request.GetInt("limit", 10), 1), 100)
	sessions, err := s.coaching.Sessions(ctx, ctxutil.IdentityFromContext(ctx), limit)
	if err != nil {
		return s.coachingErrorResult("list_sessions", err), nil
	}
	return jsonResult(map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleSearchKnowledge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.knowledge == nil {
		return errorResult("reference material is not available on this server"), nil
	}
	stroke := model.StrokeType(strings.ToLower(strings.TrimSpace(request.GetString("stroke_type", ""))))
	if !stroke.Valid() {
		return errorResult(fmt.Sprintf("stroke_type %q is not a recognised stroke", stroke)), nil
	}
	limit := min(max(request.GetInt("limit", knowledge.MaxSnippets), 1), 20)

	chunks, err := s.knowledge.Search(ctx, stroke, request.GetString("query", ""), limit)
	if err != nil {
		s.logger.Warn("mcp: knowledge search failed", "stroke", stroke, "error", err)
		return errorResult("knowledge search failed"), nil
	}
	results := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, compactChunk(c))
	}
	return jsonResult(map[string]any{
		"stroke_type": stroke,
		"results":     results,
		"total":       len(results),
	})
}

func (s *Server) handleUsageStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status, err := s.coaching.Usage(ctx, ctxutil.IdentityFromContext(ctx), "")
	if err != nil {
		return s.coachingErrorResult("usage_status", err), nil
	}
	return jsonResult(status)
}
