package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient calls an OpenAI-compatible chat completions endpoint with
// images attached as data URLs.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	logger      *slog.Logger
}

// NewOpenAIClient creates a client for the OpenAI chat completions API.
// A non-empty BaseURL points it at any compatible gateway.
func NewOpenAIClient(cfg Config, logger *slog.Logger) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	m := cfg.Model
	if m == "" {
		m = defaultOpenAIModel
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       m,
		maxTokens:   cfg.maxTokens(),
		temperature: float32(cfg.Temperature),
		timeout:     cfg.callTimeout(),
		logger:      logger,
	}
}

// AnalyzeImages sends images as low-detail data URLs ahead of the user prompt.
func (c *OpenAIClient) AnalyzeImages(ctx context.Context, images [][]byte, systemPrompt, userPrompt string) (string, error) {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:" + DetectMediaType(img) + ";base64," + base64.StdEncoding.EncodeToString(img),
				Detail: openai.ImageURLDetailLow,
			},
		})
	}
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: userPrompt})

	c.logger.Debug("openai: analyzing images", "model", c.model, "image_count", len(images))
	return c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	})
}

// Chat sends a normalised text conversation.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	normalized := NormalizeMessages(messages, c.logger)
	if len(normalized) == 0 {
		return "", fmt.Errorf("openai: chat: no messages")
	}
	wire := make([]openai.ChatCompletionMessage, 0, len(normalized)+1)
	wire = append(wire, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, m := range normalized {
		wire = append(wire, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return c.complete(ctx, wire)
}

func (c *OpenAIClient) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		if isOpenAIRateLimit(err) {
			return "", fmt.Errorf("%w: openai: %v", ErrRateLimited, err)
		}
		return "", fmt.Errorf("openai: create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	c.logger.Debug("openai: response received",
		"finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func isOpenAIRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
