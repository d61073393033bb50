package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llava"
)

// OllamaClient calls a local Ollama multimodal chat model (e.g. llava,
// llama3.2-vision).
type OllamaClient struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOllamaClient creates a client for Ollama's chat API.
func NewOllamaClient(cfg Config, logger *slog.Logger) *OllamaClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	m := cfg.Model
	if m == "" {
		m = defaultOllamaModel
	}
	return &OllamaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       m,
		maxTokens:   cfg.maxTokens(),
		temperature: cfg.Temperature,
		timeout:     cfg.callTimeout(),
		httpClient: &http.Client{
			Timeout: cfg.callTimeout() + 5*time.Second,
		},
		logger: logger,
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// AnalyzeImages attaches the images to a single user turn.
func (c *OllamaClient) AnalyzeImages(ctx context.Context, images [][]byte, systemPrompt, userPrompt string) (string, error) {
	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = base64.StdEncoding.EncodeToString(img)
	}
	return c.send(ctx, []ollamaChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt, Images: encoded},
	})
}

// Chat sends a normalised text conversation.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	normalized := NormalizeMessages(messages, c.logger)
	if len(normalized) == 0 {
		return "", fmt.Errorf("ollama: chat: no messages")
	}
	wire := make([]ollamaChatMessage, 0, len(normalized)+1)
	wire = append(wire, ollamaChatMessage{Role: "system", Content: systemPrompt})
	for _, m := range normalized {
		wire = append(wire, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return c.send(ctx, wire)
}

func (c *OllamaClient) send(ctx context.Context, messages []ollamaChatMessage) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  ollamaOptions{Temperature: c.temperature, NumPredict: c.maxTokens},
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: ollama status %d: %s", ErrRateLimited, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	return result.Message.Content, nil
}
