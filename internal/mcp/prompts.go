package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/swimcoach/internal/model"
)

func (s *Server) registerPrompts() {
	// review-analysis — walk the swimmer through an analysis.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-analysis",
			mcplib.WithPromptDescription("Walk a swimmer through the results of a video analysis"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("Session ID of the uploaded video"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewAnalysisPrompt,
	)

	// practice-plan — turn an analysis into a practice.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("practice-plan",
			mcplib.WithPromptDescription("Build a practice session around the corrections from an analysis"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("Session ID of an analyzed video"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("minutes",
				mcplib.ArgumentDescription("Length of the practice in minutes (default 45)"),
			),
		),
		s.handlePracticePlanPrompt,
	)

	// coach-setup — system prompt snippet for assistants using swimcoach.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("coach-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the swimcoach workflow (upload, analyze once, then ask)"),
		),
		s.handleCoachSetupPrompt,
	)
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}
}

func (s *Server) handleReviewAnalysisPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if _, err := parseSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("session_id argument: %w", err)
	}

	return userPrompt(
		fmt.Sprintf("Review the analysis of session %s", sessionID),
		fmt.Sprintf(`Help the swimmer understand the analysis of their video (session %s).

1. CALL get_session with session_id="%s".
   - If "analyzed" is false, CALL analyze_session first. Ask the swimmer which
     stroke the video shows if you do not know. Only analyze once.

2. EXPLAIN the result in plain language:
   - Start with one or two strengths so the swimmer knows what to keep.
   - Then the primary feedback, one item at a time, with its timestamp so
     the swimmer can find the moment in the video.
   - Mention the remaining feedback only briefly.

3. OFFER drills. For questions about a drill or a correction,
   CALL ask_coach with the swimmer's question rather than guessing.`, sessionID, sessionID),
	), nil
}

func (s *Server) handlePracticePlanPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if _, err := parseSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("session_id argument: %w", err)
	}
	minutes := strings.TrimSpace(request.Params.Arguments["minutes"])
	if minutes == "" {
		minutes = "45"
	}

	return userPrompt(
		fmt.Sprintf("Plan a %s minute practice for session %s", minutes, sessionID),
		fmt.Sprintf(`Build a %s minute practice for the swimmer from their analysis (session %s).

1. CALL get_session with session_id="%s" and read the primary feedback and drills.
2. CALL search_knowledge for the stroke to find supporting drill material.
3. WRITE the practice: warm-up, a drill set targeting the first primary
   correction, a swim set applying it, and a cool-down. Give distances,
   rest intervals and one focus cue per set.
4. If anything about a drill is unclear, CALL ask_coach with session_id="%s".`, minutes, sessionID, sessionID, sessionID),
	), nil
}

func (s *Server) handleCoachSetupPrompt(context.Context, mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	strokes := make([]string, 0, len(model.AllStrokes))
	for _, st := range model.AllStrokes {
		strokes = append(strokes, string(st))
	}
	return userPrompt(
		"swimcoach workflow for assistants",
		fmt.Sprintf(`You have access to swimcoach, an AI swimming coach that reviews videos.

WORKFLOW:
- The swimmer uploads a video over the HTTP API and gets a session_id.
- analyze_session runs the analysis ONCE per video. It counts against a small
  daily limit (check usage_status if unsure).
- get_session shows the stored result at any time without cost.
- ask_coach answers follow-up questions with the full analysis in context.
- search_knowledge finds reference material and drills.

Supported strokes: %s.

Relay feedback with its timestamps and keep corrections to one or two at a
time; swimmers improve faster focusing on one change.`, strings.Join(strokes, ", ")),
	), nil
}
