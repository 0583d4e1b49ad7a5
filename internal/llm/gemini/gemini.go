// Package gemini is the api-b chat provider backed by the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"leadrag/internal/backoff"
	"leadrag/internal/domain"
)

const DefaultModel = "gemini-2.5-flash"

var _ domain.ChatProvider = (*Provider)(nil)

// Config configures the Gemini chat provider.
type Config struct {
	APIKey     string
	// BaseURL overrides the Gemini endpoint; empty uses the SDK default.
	BaseURL    string
	Model      string
	MaxRetries int
	Logger     *slog.Logger
}

// Provider sends conversations through Models.GenerateContent.
type Provider struct {
	client     *genai.Client
	model      string
	maxRetries int
	logger     *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key is required", domain.ErrLLMUnavailable)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %v", domain.ErrLLMUnavailable, err)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{client: client, model: cfg.Model, maxRetries: cfg.MaxRetries, logger: cfg.Logger}, nil
}

func (p *Provider) Name() string  { return "gemini" }
func (p *Provider) Model() string { return p.model }

// Chat maps system messages to the system instruction and the rest to user/model turns.
func (p *Provider) Chat(ctx context.Context, messages []domain.ChatMessage, opts domain.ChatOptions) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		result, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
		if err == nil {
			return text(result)
		}
		if ctx.Err() != nil {
			return "", domain.Timeout("gemini chat", ctx.Err())
		}
		lastErr = err

		var apiErr genai.APIError
		if errors.As(err, &apiErr) && !backoff.Retryable(apiErr.Code) {
			if apiErr.Code == http.StatusBadRequest {
				return "", fmt.Errorf("%w: gemini rejected the request: %s", domain.ErrProcessing, apiErr.Message)
			}
			return "", fmt.Errorf("%w: gemini: %s", domain.ErrLLMUnavailable, apiErr.Message)
		}
		if attempt == p.maxRetries {
			break
		}
		p.logger.Warn("retrying gemini request", "attempt", attempt+1, "err", err)
		if err := backoff.Sleep(ctx, backoff.Delay(attempt)); err != nil {
			return "", domain.Timeout("gemini chat", err)
		}
	}
	return "", fmt.Errorf("%w: %v", domain.ErrLLMUnavailable, lastErr)
}

func text(result *genai.GenerateContentResponse) (string, error) {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: gemini returned no candidates", domain.ErrProcessing)
	}
	var b strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
