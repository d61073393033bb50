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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashita-ai/swimcoach/internal/model"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicClient calls the Anthropic Messages API through the official SDK.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// NewAnthropicClient creates a client for the Anthropic Messages API. Extra
// request options are appended after the ones derived from cfg.
func NewAnthropicClient(cfg Config, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	m := cfg.Model
	if m == "" {
		m = defaultAnthropicModel
	}
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	return &AnthropicClient{
		client:      anthropic.NewClient(append(base, opts...)...),
		model:       m,
		maxTokens:   cfg.maxTokens(),
		temperature: cfg.Temperature,
		timeout:     cfg.callTimeout(),
		logger:      logger,
	}
}

// AnalyzeImages sends every image as a base64 block followed by the user prompt.
func (c *AnthropicClient) AnalyzeImages(ctx context.Context, images [][]byte, systemPrompt, userPrompt string) (string, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(DetectMediaType(img), base64.StdEncoding.EncodeToString(img)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(userPrompt))

	c.logger.Debug("anthropic: analyzing images", "model", c.model, "image_count", len(images))
	return c.send(ctx, systemPrompt, []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)})
}

// Chat sends a normalised text conversation.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	normalized := NormalizeMessages(messages, c.logger)
	if len(normalized) == 0 {
		return "", fmt.Errorf("anthropic: chat: no messages")
	}
	params := make([]anthropic.MessageParam, 0, len(normalized))
	for _, m := range normalized {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == model.RoleAssistant {
			params = append(params, anthropic.NewAssistantMessage(block))
		} else {
			params = append(params, anthropic.NewUserMessage(block))
		}
	}
	return c.send(ctx, systemPrompt, params)
}

func (c *AnthropicClient) send(ctx context.Context, systemPrompt string, messages []anthropic.MessageParam) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Temperature: anthropic.Float(c.temperature),
		Messages:    messages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := c.client.Messages.New(callCtx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests {
				c.logger.Warn("anthropic: rate limited", "status", apiErr.StatusCode)
				return "", fmt.Errorf("%w: anthropic status %d", ErrRateLimited, apiErr.StatusCode)
			}
			return "", fmt.Errorf("anthropic: status %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}

	var texts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	c.logger.Debug("anthropic: response received",
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return strings.Join(texts, "\n"), nil
}
