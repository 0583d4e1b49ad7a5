package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"leadrag/internal/chunker"
	"leadrag/internal/config"
	"leadrag/internal/domain"
	"leadrag/internal/embedding"
	"leadrag/internal/embedding/gemini"
	"leadrag/internal/embedding/hugot"
	"leadrag/internal/embedding/openai"
	"leadrag/internal/embedding/tfidf"
	"leadrag/internal/extract"
	"leadrag/internal/ingest"
	"leadrag/internal/llm/anthropic"
	geminichat "leadrag/internal/llm/gemini"
	"leadrag/internal/retriever"
	"leadrag/internal/synth"
	"leadrag/internal/vectorstore/chroma"
	"leadrag/internal/vectorstore/memory"
	"leadrag/internal/vectorstore/pgvector"
	"leadrag/internal/vectorstore/qdrant"
)

// Components are the swappable parts a service is assembled from.
type Components struct {
	Embedder domain.Embedder
	Chat     domain.ChatProvider
	Store    domain.VectorStore
	Chunker  domain.Chunker
	// Closers are released by Close, in reverse order.
	Closers []io.Closer
}

// Close releases every component that holds a connection or model session.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.Closers) - 1; i >= 0; i-- {
		errs = append(errs, c.Closers[i].Close())
	}
	return errors.Join(errs...)
}

// Build assembles components from cfg.
func Build(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Components, error) {
	c := &Components{}
	var err error

	if c.Chunker, err = NewChunker(cfg); err != nil {
		return nil, err
	}
	if c.Embedder, err = NewEmbedder(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if cl, ok := c.Embedder.(io.Closer); ok {
		c.Closers = append(c.Closers, cl)
	}
	if c.Store, err = NewStore(ctx, cfg, logger); err != nil {
		_ = c.Close()
		return nil, err
	}
	if cl, ok := c.Store.(io.Closer); ok {
		c.Closers = append(c.Closers, cl)
	}
	if c.Chat, err = NewChat(ctx, cfg, logger); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// New wires a service from cfg and assembled components.
func New(cfg *config.AppConfig, c *Components, logger *slog.Logger, listener ingest.StateListener) *RAGService {
	ext := extract.New(extract.SpreadsheetOptions{
		TextColumns:      cfg.Spreadsheet.TextColumns,
		Delimiter:        cfg.Spreadsheet.Delimiter,
		CompanyColumn:    cfg.Spreadsheet.CompanyColumn,
		LeadStatusColumn: cfg.Spreadsheet.LeadStatusColumn,
		MergedColumns:    cfg.Spreadsheet.MergedColumns,
	}, logger)

	opts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithTimeout(time.Duration(cfg.Server.IngestTimeoutSecs) * time.Second),
	}
	if listener != nil {
		opts = append(opts, ingest.WithListener(listener))
	}
	pipeline := ingest.New(c.Chunker, c.Embedder, c.Store, opts...)

	chatCfg := cfg.Chat.APIB
	if cfg.ChatProvider == config.ChatAPIA {
		chatCfg = cfg.Chat.APIA
	}
	syn := synth.New(c.Chat, synth.Config{
		MaxContextChars: cfg.MaxContextChars,
		MaxTokens:       chatCfg.MaxTokens,
		Temperature:     chatCfg.Temperature,
		Timeout:         time.Duration(chatCfg.TimeoutSecs) * time.Second,
	}, logger)

	return NewRAGService(ext, pipeline, retriever.New(c.Embedder, c.Store, logger), syn, c.Store, Settings{
		Collection: cfg.Collection,
		DataDir:    cfg.Server.DataDir,
		Search: SearchParameters{
			TopK:           cfg.TopK,
			FinalK:         cfg.FinalK,
			ScoreThreshold: cfg.ScoreThreshold,
			MMRLambda:      cfg.MMRLambda,
		},
		LexicalFallback: cfg.LexicalFallback,
		QueryTimeout:    time.Duration(cfg.Server.QueryTimeoutSecs) * time.Second,
	}, logger)
}

func NewChunker(cfg *config.AppConfig) (domain.Chunker, error) {
	switch cfg.Chunker {
	case "fixed", "":
		return chunker.NewFixedChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	case "recursive":
		return chunker.NewRecursiveChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	default:
		return nil, fmt.Errorf("unknown chunker: %s", cfg.Chunker)
	}
}

func NewEmbedder(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (domain.Embedder, error) {
	if cfg.EmbeddingProvider == config.EmbeddingLocal {
		local := cfg.Embedding.Local
		switch local.Backend {
		case "tfidf", "":
			return embedding.NewActive(tfidf.NewEmbedder()), nil
		case "hugot":
			return hugot.New(cfg.EmbeddingModel, local.ModelDir, local.BatchSize)
		default:
			return nil, fmt.Errorf("unknown local embedder: %s", local.Backend)
		}
	}

	api := cfg.Embedding.API
	switch api.Backend {
	case "openai", "":
		return openai.NewClient(openai.Config{
			BaseURL:           api.BaseURL,
			APIKeyEnv:         api.APIKeyEnv,
			Model:             cfg.EmbeddingModel,
			Timeout:           time.Duration(api.TimeoutSecs) * time.Second,
			BatchSize:         api.BatchSize,
			RequestsPerSecond: api.RequestsPerSecond,
			MaxRetries:        api.MaxRetries,
			Dimensions:        api.Dimensions,
			Logger:            logger,
		})
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKeyEnv:         api.APIKeyEnv,
			Model:             cfg.EmbeddingModel,
			BatchSize:         api.BatchSize,
			RequestsPerSecond: api.RequestsPerSecond,
			MaxRetries:        api.MaxRetries,
			Dimensions:        api.Dimensions,
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("unknown embedding backend: %s", api.Backend)
	}
}

// NewChat builds the chat provider: api-a is Anthropic, api-b is Gemini.
func NewChat(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (domain.ChatProvider, error) {
	switch cfg.ChatProvider {
	case config.ChatAPIA:
		a := cfg.Chat.APIA
		return anthropic.New(anthropic.Config{
			APIKey:     os.Getenv(a.APIKeyEnv),
			BaseURL:    a.BaseURL,
			Model:      cfg.ChatModel,
			Timeout:    time.Duration(a.TimeoutSecs) * time.Second,
			MaxRetries: a.MaxRetries,
			Logger:     logger,
		})
	case config.ChatAPIB:
		b := cfg.Chat.APIB
		return geminichat.New(ctx, geminichat.Config{
			APIKey:     os.Getenv(b.APIKeyEnv),
			Model:      cfg.ChatModel,
			MaxRetries: b.MaxRetries,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown chat provider: %s", cfg.ChatProvider)
	}
}

func NewStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (domain.VectorStore, error) {
	vs := cfg.VectorStore
	switch vs.Type {
	case "memory", "":
		return memory.NewStorage(), nil
	case "qdrant":
		if vs.Qdrant == nil {
			return nil, errors.New("qdrant config missing")
		}
		return qdrant.NewStorage(qdrant.Config{
			URL:     vs.Qdrant.URL,
			APIKey:  os.Getenv(vs.Qdrant.APIKeyEnv),
			Timeout: time.Duration(vs.Qdrant.TimeoutSecs) * time.Second,
			Logger:  logger,
		}), nil
	case "chroma":
		if vs.Chroma == nil {
			return nil, errors.New("chroma config missing")
		}
		return chroma.New(vs.Chroma.URL, logger)
	case "pgvector":
		if vs.Pgvector == nil {
			return nil, errors.New("pgvector config missing")
		}
		dsn := os.Getenv(vs.Pgvector.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("pgvector: missing DSN in env %s", vs.Pgvector.DSNEnv)
		}
		return pgvector.Open(ctx, dsn, vs.Pgvector.Table, logger)
	default:
		return nil, fmt.Errorf("unknown vector store: %s", vs.Type)
	}
}
