package coach

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/vision"
)

// Reply answers a follow-up question about an analyzed session. The
// analysis summary is replayed as the coach's opening turn, followed by the
// stored conversation and the new message. The session is not modified;
// callers persist both turns once the reply is in hand.
func (e *Engine) Reply(ctx context.Context, session *model.CoachingSession, message string) (string, error) {
	if session == nil || !session.IsAnalyzed() {
		return "", ErrNotAnalyzed
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}

	ctx, span := e.tracer.Start(ctx, "coach.Reply", trace.WithAttributes(
		attribute.String("swimcoach.session_id", session.ID.String()),
		attribute.Int("swimcoach.history", len(session.Conversation)),
	))
	defer span.End()

	history := make([]vision.Message, 0, len(session.Conversation)+2)
	history = append(history, vision.Message{Role: model.RoleAssistant, Content: session.Analysis.Summary})
	// Each analysis stores its summary as an assistant turn. The current one
	// already opens the history, so every stored copy of it is skipped.
	for _, m := range session.Conversation {
		if m.Role == model.RoleAssistant && m.Content == session.Analysis.Summary {
			continue
		}
		history = append(history, vision.Message{Role: m.Role, Content: m.Content})
	}
	history = append(history, vision.Message{Role: model.RoleUser, Content: message})

	reply, err := e.vision.Chat(ctx, history, conversationPrompt(session.Analysis.Summary))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("coach: chat: %w", err)
	}
	return reply, nil
}
