package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ashita-ai/swimcoach/internal/model"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient calls Google's Gemini models through the generative-ai SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float32
	timeout     time.Duration
	logger      *slog.Logger
}

// NewGeminiClient creates a Gemini SDK client. Close releases its connection.
func NewGeminiClient(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiClient, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	m := cfg.Model
	if m == "" {
		m = defaultGeminiModel
	}
	return &GeminiClient{
		client:      client,
		model:       m,
		maxTokens:   int32(cfg.maxTokens()),
		temperature: float32(cfg.Temperature),
		timeout:     cfg.callTimeout(),
		logger:      logger,
	}, nil
}

// Close releases the underlying SDK client.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) generativeModel(systemPrompt string) *genai.GenerativeModel {
	m := c.client.GenerativeModel(c.model)
	m.SetMaxOutputTokens(c.maxTokens)
	m.SetTemperature(c.temperature)
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	return m
}

// AnalyzeImages sends images inline ahead of the user prompt.
func (c *GeminiClient) AnalyzeImages(ctx context.Context, images [][]byte, systemPrompt, userPrompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	parts := make([]genai.Part, 0, len(images)+1)
	for _, img := range images {
		format := strings.TrimPrefix(DetectMediaType(img), "image/")
		parts = append(parts, genai.ImageData(format, img))
	}
	parts = append(parts, genai.Text(userPrompt))

	c.logger.Debug("gemini: analyzing images", "model", c.model, "image_count", len(images))
	resp, err := c.generativeModel(systemPrompt).GenerateContent(callCtx, parts...)
	if err != nil {
		return "", c.wrapErr("generate content", err)
	}
	return responseText(resp)
}

// Chat replays all but the last turn as history and sends the last one.
func (c *GeminiClient) Chat(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	normalized := NormalizeMessages(messages, c.logger)
	if len(normalized) == 0 {
		return "", fmt.Errorf("gemini: chat: no messages")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cs := c.generativeModel(systemPrompt).StartChat()
	last := normalized[len(normalized)-1]
	for _, m := range normalized[:len(normalized)-1] {
		role := "user"
		if m.Role == model.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	resp, err := cs.SendMessage(callCtx, genai.Text(last.Content))
	if err != nil {
		return "", c.wrapErr("send message", err)
	}
	return responseText(resp)
}

func (c *GeminiClient) wrapErr(op string, err error) error {
	if isGeminiRateLimit(err) {
		return fmt.Errorf("%w: gemini: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("gemini: %s: %w", op, err)
}

func isGeminiRateLimit(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return true
	}
	return status.Code(err) == codes.ResourceExhausted
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: no content parts (finish reason %s)", candidate.FinishReason.String())
	}
	var texts []string
	for _, part := range candidate.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			texts = append(texts, string(txt))
		}
	}
	return strings.Join(texts, "\n"), nil
}
