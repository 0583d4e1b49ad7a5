// Package anthropic is the api-a chat provider, speaking the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"leadrag/internal/backoff"
	"leadrag/internal/domain"
)

var _ domain.ChatProvider = (*Provider)(nil)

// Default configuration values.
const (
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultModel   = "claude-3-5-haiku-latest"
	DefaultTimeout = 120 * time.Second

	anthropicVersion = "2023-06-01"
)

// Config holds configuration for the Anthropic provider.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// Provider sends chat turns to /v1/messages.
type Provider struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	logger     *slog.Logger
}

type messagesRequest struct {
	Model       string            `json:"model"`
	Messages    []messagesMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	System      string            `json:"system,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New creates an Anthropic provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key is required", domain.ErrLLMUnavailable)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}, nil
}

func (p *Provider) Name() string  { return "anthropic" }
func (p *Provider) Model() string { return p.model }

// Chat conducts a multi-turn conversation. A system message is lifted into the system field.
func (p *Provider) Chat(ctx context.Context, messages []domain.ChatMessage, opts domain.ChatOptions) (string, error) {
	var systemPrompt string
	apiMessages := make([]messagesMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			continue
		}
		apiMessages = append(apiMessages, messagesMessage{Role: msg.Role, Content: msg.Content})
	}

	// Anthropic requires max_tokens to be set
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	reqBody := messagesRequest{
		Model:     p.model,
		Messages:  apiMessages,
		MaxTokens: maxTokens,
		System:    systemPrompt,
	}
	if opts.Temperature > 0 {
		reqBody.Temperature = opts.Temperature
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying anthropic request", "attempt", attempt, "err", lastErr)
		}
		out, retryAfter, err := p.send(ctx, jsonBody, attempt)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", domain.Timeout("anthropic chat", ctx.Err())
		}
		if retryAfter < 0 {
			return "", err
		}
		lastErr = err
		if err := backoff.Sleep(ctx, retryAfter); err != nil {
			return "", domain.Timeout("anthropic chat", err)
		}
	}
	return "", fmt.Errorf("%w: %v", domain.ErrLLMUnavailable, lastErr)
}

// send performs one request. A negative delay marks the error as final.
func (p *Provider) send(ctx context.Context, body []byte, attempt int) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", -1, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", backoff.Delay(attempt), fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", backoff.Delay(attempt), fmt.Errorf("read response: %w", err)
	}

	switch {
	case backoff.Retryable(resp.StatusCode):
		return "", backoff.RetryAfter(resp.Header.Get("Retry-After"), attempt),
			fmt.Errorf("anthropic error (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", -1, fmt.Errorf("%w: anthropic error (status %d): %s", domain.ErrLLMUnavailable, resp.StatusCode, string(data))
	}

	var msgResp messagesResponse
	if err := json.Unmarshal(data, &msgResp); err != nil {
		return "", -1, fmt.Errorf("%w: decode anthropic response: %v", domain.ErrProcessing, err)
	}
	if msgResp.Error != nil {
		return "", -1, fmt.Errorf("%w: anthropic error: %s", domain.ErrLLMUnavailable, msgResp.Error.Message)
	}

	var result strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			result.WriteString(block.Text)
		}
	}
	return result.String(), 0, nil
}
