// Package embedding holds the helpers shared by the embedding backends: request rate
// limiting, batching and input validation.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"leadrag/internal/domain"
)

// NewLimiter returns a limiter admitting rps requests per second, or nil when rps <= 0.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// Wait blocks on the limiter; a nil limiter never blocks.
func Wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Batches splits texts into consecutive groups of at most size.
func Batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = len(texts)
	}
	var out [][]string
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[start:end])
	}
	return out
}

// ValidateInputs rejects blank texts before they reach a backend.
func ValidateInputs(texts []string) error {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: text %d is empty", domain.ErrEmbeddingInput, i)
		}
	}
	return nil
}

// CheckBatch verifies a backend returned one vector of the expected dimension per input.
// dim <= 0 accepts any length as long as all vectors agree.
func CheckBatch(vectors [][]float32, inputs, dim int) error {
	if len(vectors) != inputs {
		return fmt.Errorf("%w: got %d vectors for %d inputs", domain.ErrEmbeddingUnavailable, len(vectors), inputs)
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at %d", domain.ErrEmbeddingUnavailable, i)
		}
		if dim <= 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", domain.ErrEmbeddingUnavailable, i, len(v), dim)
		}
	}
	return nil
}

// ToFloat32 narrows a float64 vector.
func ToFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// EmbedOne runs a single text through EmbedBatch.
func EmbedOne(ctx context.Context, e domain.Embedder, text string) ([]float32, error) {
	vs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}
