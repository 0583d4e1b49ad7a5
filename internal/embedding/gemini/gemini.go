// Package gemini embeds text with Google's Gemini embedding models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"leadrag/internal/backoff"
	"leadrag/internal/domain"
	"leadrag/internal/embedding"
)

// Config configures the Gemini embedder.
type Config struct {
	APIKeyEnv         string
	// BaseURL overrides the Gemini endpoint; empty uses the SDK default.
	BaseURL           string
	Model             string
	BatchSize         int
	RequestsPerSecond float64
	MaxRetries        int
	Dimensions        int
	Logger            *slog.Logger
}

// Embedder calls the Gemini embedContent endpoint.
type Embedder struct {
	client     *genai.Client
	model      string
	dimensions int
	batchSize  int
	maxRetries int
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu        sync.RWMutex
	dimension int
}

var _ domain.Embedder = (*Embedder)(nil)

// New creates a Gemini embedder.
func New(ctx context.Context, cfg Config) (*Embedder, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: missing API key in env %s", domain.ErrEmbeddingUnavailable, cfg.APIKeyEnv)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %v", domain.ErrEmbeddingUnavailable, err)
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-004"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Embedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		limiter:    embedding.NewLimiter(cfg.RequestsPerSecond),
		logger:     cfg.Logger,
		dimension:  cfg.Dimensions,
	}, nil
}

func (e *Embedder) Name() string  { return "gemini" }
func (e *Embedder) Model() string { return e.model }

func (e *Embedder) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dimension
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedding.EmbedOne(ctx, e, text)
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := embedding.ValidateInputs(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range embedding.Batches(texts, e.batchSize) {
		vs, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, domain.Timeout("gemini embeddings", err)
		}
		if err := embedding.CheckBatch(vs, len(batch), e.Dimension()); err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.dimension == 0 {
			e.dimension = len(vs[0])
		}
		e.mu.Unlock()
		out = append(out, vs...)
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(batch))
	for i, t := range batch {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{}
	if e.dimensions > 0 {
		d := int32(e.dimensions)
		cfg.OutputDimensionality = &d
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := embedding.Wait(ctx, e.limiter); err != nil {
			return nil, err
		}
		resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
		if err == nil {
			out := make([][]float32, len(resp.Embeddings))
			for i, emb := range resp.Embeddings {
				if emb != nil {
					out[i] = emb.Values
				}
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == http.StatusBadRequest:
				return nil, fmt.Errorf("%w: gemini embeddings: %s", domain.ErrEmbeddingInput, apiErr.Message)
			case apiErr.Code != http.StatusTooManyRequests && apiErr.Code < 500:
				return nil, fmt.Errorf("%w: gemini embeddings: %s", domain.ErrEmbeddingUnavailable, apiErr.Message)
			}
		}
		if attempt == e.maxRetries {
			break
		}
		e.logger.Warn("retrying gemini embeddings", "attempt", attempt+1, "err", err)
		if err := backoff.Sleep(ctx, backoff.Delay(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, lastErr)
}
