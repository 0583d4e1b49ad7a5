package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"leadrag/internal/domain"
)

func TestBatches(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, Batches(texts, 2))
	assert.Equal(t, [][]string{texts}, Batches(texts, 0))
	assert.Empty(t, Batches(nil, 3))
}

func TestValidateInputs(t *testing.T) {
	assert.NoError(t, ValidateInputs([]string{"Acme", "商談中"}))
	assert.ErrorIs(t, ValidateInputs([]string{"Acme", " \n"}), domain.ErrEmbeddingInput)
}

func TestCheckBatch(t *testing.T) {
	t.Run("Accepts consistent vectors", func(t *testing.T) {
		assert.NoError(t, CheckBatch([][]float32{{1, 2}, {3, 4}}, 2, 0))
	})

	t.Run("Rejects a count mismatch", func(t *testing.T) {
		assert.ErrorIs(t, CheckBatch([][]float32{{1, 2}}, 2, 0), domain.ErrEmbeddingUnavailable)
	})

	t.Run("Rejects a dimension change", func(t *testing.T) {
		assert.ErrorIs(t, CheckBatch([][]float32{{1, 2}, {3}}, 2, 0), domain.ErrEmbeddingUnavailable)
		assert.ErrorIs(t, CheckBatch([][]float32{{1, 2}}, 1, 3), domain.ErrEmbeddingUnavailable)
	})
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), nil))
	l := NewLimiter(1000)
	assert.NoError(t, Wait(context.Background(), l))
	assert.Nil(t, NewLimiter(0))
}

type namedEmbedder string

func (n namedEmbedder) Name() string   { return "test" }
func (n namedEmbedder) Model() string  { return string(n) }
func (n namedEmbedder) Dimension() int { return 1 }
func (n namedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return EmbedOne(ctx, n, text)
}
func (n namedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(n))}
	}
	return out, nil
}

func TestActive(t *testing.T) {
	a := NewActive(namedEmbedder("v1"))

	t.Run("Delegates to the published embedder", func(t *testing.T) {
		assert.Equal(t, "test/v1", domain.ModelTag(a))
		v, err := a.Embed(context.Background(), "x")
		assert.NoError(t, err)
		assert.Equal(t, []float32{2}, v)
	})

	t.Run("A snapshot is unaffected by a later publish", func(t *testing.T) {
		snap := domain.Current(a)
		a.Publish(namedEmbedder("v22"))

		assert.Equal(t, "test/v1", domain.ModelTag(snap))
		assert.Equal(t, "test/v22", domain.ModelTag(a))
		assert.Equal(t, "test/v22", domain.ModelTag(domain.Current(a)))
	})
}
