// Package vision talks to vision-capable language models. Every provider
// implements Client; the analysis engine and the follow-up chat only see
// that interface.
package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// ErrRateLimited is returned (wrapped) when the provider refuses a call
// because of quota or request-rate limits. Callers distinguish it from
// other failures with errors.Is.
var ErrRateLimited = errors.New("vision: rate limited")

// Client is a vision-capable chat model.
type Client interface {
	// AnalyzeImages sends images plus a system and user prompt and returns
	// the model's text reply.
	AnalyzeImages(ctx context.Context, images [][]byte, systemPrompt, userPrompt string) (string, error)
	// Chat continues a text conversation under systemPrompt.
	Chat(ctx context.Context, messages []Message, systemPrompt string) (string, error)
}

// Message is one turn of a chat exchange.
type Message struct {
	Role    model.ChatRole
	Content string
}

// Provider names accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
	ProviderMock      = "mock"
)

// Config selects and parameterises a provider.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Defaults for a single vision call.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7
	defaultCallTimeout = 120 * time.Second
)

func (c Config) callTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultCallTimeout
}

func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return DefaultMaxTokens
}

// New builds the Client named by cfg.Provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Client, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicClient(cfg, logger), nil
	case ProviderOpenAI:
		return NewOpenAIClient(cfg, logger), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case ProviderOllama:
		return NewOllamaClient(cfg, logger), nil
	case ProviderMock:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("vision: unknown provider %q", cfg.Provider)
	}
}

// openingUserTurn is prepended when a conversation starts with an assistant
// turn, since the hosted chat APIs require the first turn to come from the user.
const openingUserTurn = "Please analyze my swimming video."

// NormalizeMessages prepares a conversation for a provider: turns with an
// unknown role or empty content are dropped, consecutive turns from the same
// role are merged, and the conversation is made to open with a user turn.
func NormalizeMessages(msgs []Message, logger *slog.Logger) []Message {
	out := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			logger.Warn("vision: dropping message with unsupported role", "role", m.Role)
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			logger.Warn("vision: merging consecutive messages with the same role", "role", m.Role)
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, Message{Role: m.Role, Content: content})
	}
	if len(out) > 0 && out[0].Role == model.RoleAssistant {
		out = append([]Message{{Role: model.RoleUser, Content: openingUserTurn}}, out...)
	}
	return out
}

// DetectMediaType sniffs an image's MIME type from its magic bytes.
// Unrecognised data is reported as JPEG, which is what the frame extractor
// produces.
func DetectMediaType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
