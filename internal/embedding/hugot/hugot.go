// Package hugot runs a sentence-transformer model in process through the hugot ONNX runtime.
package hugot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"

	"leadrag/internal/domain"
	"leadrag/internal/embedding"
)

const DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"

// Embedder wraps a hugot feature-extraction pipeline. RunPipeline is not safe for
// concurrent use, so calls are serialized.
type Embedder struct {
	mu        sync.Mutex
	session   *hugot.Session
	pipeline  *pipelines.FeatureExtractionPipeline
	model     string
	batchSize int
	dimension int
}

var _ domain.Embedder = (*Embedder)(nil)

// PrepareModel downloads the model into modelDir if it isn't there yet and returns its path.
func PrepareModel(modelName, modelDir string) (string, error) {
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(modelName, "/", "_"))
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		if err := os.MkdirAll(modelDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create model directory: %w", err)
		}
		downloadOptions := hugot.NewDownloadOptions()
		downloadOptions.OnnxFilePath = "onnx/model.onnx"
		downloadedPath, err := hugot.DownloadModel(modelName, modelDir, downloadOptions)
		if err != nil {
			return "", fmt.Errorf("%w: failed to download model: %v", domain.ErrEmbeddingUnavailable, err)
		}
		modelPath = downloadedPath
	}
	return modelPath, nil
}

// New loads modelName from modelDir, downloading it on first use.
func New(modelName, modelDir string, batchSize int) (*Embedder, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	if modelDir == "" {
		modelDir = "./models"
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	modelPath, err := PrepareModel(modelName, modelDir)
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create hugot session: %v", domain.ErrEmbeddingUnavailable, err)
	}
	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "leadrag-embedder",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("%w: failed to create embedding pipeline: %v", domain.ErrEmbeddingUnavailable, err)
	}
	return &Embedder{session: session, pipeline: pipeline, model: modelName, batchSize: batchSize}, nil
}

func (e *Embedder) Name() string  { return "hugot" }
func (e *Embedder) Model() string { return e.model }

func (e *Embedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedding.EmbedOne(ctx, e, text)
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := embedding.ValidateInputs(texts); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for _, batch := range embedding.Batches(texts, e.batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, domain.Timeout("hugot embed", err)
		}
		result, err := e.pipeline.RunPipeline(batch)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to generate embedding: %v", domain.ErrEmbeddingUnavailable, err)
		}
		if err := embedding.CheckBatch(result.Embeddings, len(batch), e.dimension); err != nil {
			return nil, err
		}
		if e.dimension == 0 {
			e.dimension = len(result.Embeddings[0])
		}
		out = append(out, result.Embeddings...)
	}
	return out, nil
}

// Close releases the ONNX session.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Destroy()
}
