package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"leadrag/internal/backoff"
	"leadrag/internal/domain"
	"leadrag/internal/embedding"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client is an OpenAI-compatible embeddings client. Ollama's native response shape is
// accepted too, for single-text requests.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	maxRetries int
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu        sync.RWMutex
	dimension int
}

var _ domain.Embedder = (*Client)(nil)

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL           string
	APIKeyEnv         string
	Model             string
	Timeout           time.Duration
	BatchSize         int
	RequestsPerSecond float64
	MaxRetries        int
	// Dimensions is forwarded to models that support shortened embeddings.
	Dimensions int
	Logger     *slog.Logger
}

// NewClient creates a new embeddings client using the provided configuration.
// The API key is only mandatory against the default OpenAI endpoint.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" && cfg.BaseURL == defaultBaseURL {
		return nil, fmt.Errorf("%w: missing API key in env %s", domain.ErrEmbeddingUnavailable, cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     key,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    embedding.NewLimiter(cfg.RequestsPerSecond),
		logger:     cfg.Logger,
		dimension:  cfg.Dimensions,
	}, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai" }

// Model returns the remote model name.
func (c *Client) Model() string { return c.model }

// Dimension returns the configured dimension, or the one observed on the first response.
func (c *Client) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dimension
}

// Embed returns an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedding.EmbedOne(ctx, c, text)
}

// EmbedBatch embeds texts in order, splitting them into batches of the configured size.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := embedding.ValidateInputs(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range embedding.Batches(texts, c.batchSize) {
		vs, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, domain.Timeout("openai embeddings", err)
		}
		if err := embedding.CheckBatch(vs, len(batch), c.Dimension()); err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.dimension == 0 {
			c.dimension = len(vs[0])
		}
		c.mu.Unlock()
		out = append(out, vs...)
	}
	return out, nil
}

type request struct {
	Input      []string `json:"input"`
	Prompt     string   `json:"prompt,omitempty"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body := request{Input: batch, Model: c.model, Dimensions: c.dimensions}
	if len(batch) == 1 {
		body.Prompt = batch[0]
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/embeddings"

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying embeddings request", "attempt", attempt, "err", lastErr)
		}
		if err := embedding.Wait(ctx, c.limiter); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if err := backoff.Sleep(ctx, backoff.Delay(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch {
		case backoff.Retryable(resp.StatusCode):
			lastErr = fmt.Errorf("openai embeddings failed: %s", resp.Status)
			if err := backoff.Sleep(ctx, backoff.RetryAfter(resp.Header.Get("Retry-After"), attempt)); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, fmt.Errorf("%w: openai embeddings: %s: %s", domain.ErrEmbeddingInput, resp.Status, truncate(payload))
		case resp.StatusCode >= 300:
			return nil, fmt.Errorf("%w: openai embeddings: %s", domain.ErrEmbeddingUnavailable, resp.Status)
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if vs, ok := decode(payload, len(batch)); ok {
			return vs, nil
		}
		lastErr = errors.New("no embedding returned")
		if err := backoff.Sleep(ctx, backoff.Delay(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, lastErr)
}

func decode(payload []byte, n int) ([][]float32, bool) {
	var oa openaiResponse
	if err := json.Unmarshal(payload, &oa); err == nil && len(oa.Data) > 0 {
		sort.SliceStable(oa.Data, func(i, j int) bool { return oa.Data[i].Index < oa.Data[j].Index })
		out := make([][]float32, len(oa.Data))
		for i, d := range oa.Data {
			out[i] = d.Embedding
		}
		return out, true
	}
	if n == 1 {
		var ol ollamaResponse
		if err := json.Unmarshal(payload, &ol); err == nil && len(ol.Embedding) > 0 {
			return [][]float32{ol.Embedding}, true
		}
	}
	return nil, false
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
