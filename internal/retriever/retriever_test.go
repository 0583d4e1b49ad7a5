package retriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadrag/internal/domain"
	"leadrag/internal/embedding"
	"leadrag/internal/logging"
	"leadrag/internal/vectorstore/memory"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Model() string  { return "v1" }
func (f *fakeEmbedder) Dimension() int { return 3 }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func seed(t *testing.T, store domain.VectorStore, items map[string][]float32, order []string) {
	t.Helper()
	entries := make([]domain.IndexEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, domain.IndexEntry{
			Chunk:    domain.Chunk{ID: id, Text: "chunk " + id},
			Vector:   items[id],
			ModelTag: "fake/v1",
		})
	}
	require.NoError(t, store.Upsert(context.Background(), "leads", entries))
}

func ids(rs []domain.RetrievalResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Entry.Chunk.ID
	}
	return out
}

func TestRetriever_Retrieve(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{"acme": {1, 0, 0}}}
	items := map[string][]float32{
		"dup1":    {0.99, 0.14, 0},
		"dup2":    {0.98, 0.19, 0},
		"diverse": {0.9, 0, 0.43},
		"far":     {0, 1, 0},
	}
	order := []string{"dup1", "dup2", "diverse", "far"}

	t.Run("Lambda 1 keeps pure relevance order", func(t *testing.T) {
		store := memory.NewStorage()
		seed(t, store, items, order)
		r := New(emb, store, logging.Discard())

		res, err := r.Retrieve(ctx, Query{Text: "acme", Collection: "leads", TopK: 4, FinalK: 3, ScoreThreshold: -1, MMRLambda: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"dup1", "dup2", "diverse"}, ids(res))
		for i, x := range res {
			assert.Equal(t, i+1, x.Rank)
		}
	})

	t.Run("Lambda 0.5 prefers a diverse second pick over a near duplicate", func(t *testing.T) {
		store := memory.NewStorage()
		seed(t, store, items, order)
		r := New(emb, store, logging.Discard())

		res, err := r.Retrieve(ctx, Query{Text: "acme", Collection: "leads", TopK: 4, FinalK: 2, ScoreThreshold: 0.3, MMRLambda: 0.5})
		require.NoError(t, err)
		assert.Equal(t, []string{"dup1", "diverse"}, ids(res))
	})

	t.Run("Threshold drops weak candidates", func(t *testing.T) {
		store := memory.NewStorage()
		seed(t, store, items, order)
		r := New(emb, store, logging.Discard())

		res, err := r.Retrieve(ctx, Query{Text: "acme", Collection: "leads", TopK: 4, FinalK: 4, ScoreThreshold: 0.5, MMRLambda: 1})
		require.NoError(t, err)
		assert.NotContains(t, ids(res), "far")
	})

	t.Run("Nothing above the threshold is an empty result, not an error", func(t *testing.T) {
		store := memory.NewStorage()
		seed(t, store, items, order)
		r := New(emb, store, logging.Discard())

		res, err := r.Retrieve(ctx, Query{Text: "acme", Collection: "leads", TopK: 4, FinalK: 3, ScoreThreshold: 0.9999, MMRLambda: 0.5})
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("Unknown query text embeds to zero and finds nothing", func(t *testing.T) {
		store := memory.NewStorage()
		seed(t, store, items, order)
		r := New(emb, store, logging.Discard())

		res, err := r.Retrieve(ctx, Query{Text: "unrelated", Collection: "leads", TopK: 4, FinalK: 3, MMRLambda: 0.5})
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("TopK below FinalK is raised", func(t *testing.T) {
		store := memory.NewStorage()
		seed(t, store, items, order)
		r := New(emb, store, logging.Discard())

		res, err := r.Retrieve(ctx, Query{Text: "acme", Collection: "leads", TopK: 1, FinalK: 3, ScoreThreshold: -1, MMRLambda: 1})
		require.NoError(t, err)
		assert.Len(t, res, 3)
	})

	t.Run("Rejects invalid parameters", func(t *testing.T) {
		r := New(emb, memory.NewStorage(), logging.Discard())

		_, err := r.Retrieve(ctx, Query{Text: "acme", FinalK: 0})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = r.Retrieve(ctx, Query{Text: "acme", FinalK: 1, MMRLambda: 1.5})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = r.Retrieve(ctx, Query{Text: " ", FinalK: 1})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestDedupe(t *testing.T) {
	long := func(suffix string) string {
		s := ""
		for i := 0; i < 120; i++ {
			s += "x"
		}
		return s + suffix
	}
	in := []domain.SearchResult{
		{Entry: domain.IndexEntry{Chunk: domain.Chunk{ID: "a", Text: long("one")}}, Score: 0.9},
		{Entry: domain.IndexEntry{Chunk: domain.Chunk{ID: "b", Text: long("two")}}, Score: 0.8},
		{Entry: domain.IndexEntry{Chunk: domain.Chunk{ID: "c", Text: "short"}}, Score: 0.7},
	}
	out := Dedupe(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Entry.Chunk.ID)
	assert.Equal(t, "c", out[1].Entry.Chunk.ID)
}

func TestLexical(t *testing.T) {
	entry := func(id, text string) domain.IndexEntry {
		return domain.IndexEntry{Chunk: domain.Chunk{ID: id, Text: text}}
	}
	entries := []domain.IndexEntry{
		entry("a", "企業名: Beta | リードステータス: 商談中"),
		entry("b", "企業名: Acme | リードステータス: 未コール"),
		entry("c", "企業名: Acme | リードステータス: 未コール"),
		entry("d", "unrelated memo"),
	}

	t.Run("Ranks by overlap and drops non-matching and duplicate text", func(t *testing.T) {
		got := Lexical("Acme の状況は？", entries, 3)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].Entry.Chunk.ID)
		assert.Equal(t, 1, got[0].Rank)
		assert.Greater(t, got[0].Score, 0.0)
	})

	t.Run("Japanese bigrams match across scripts", func(t *testing.T) {
		got := Lexical("商談中の企業", entries, 3)
		require.NotEmpty(t, got)
		assert.Equal(t, "a", got[0].Entry.Chunk.ID)
	})

	t.Run("Nothing in common yields nothing", func(t *testing.T) {
		assert.Empty(t, Lexical("zzz", entries, 3))
		assert.Empty(t, Lexical("!!", entries, 3))
	})
}

type refitted struct {
	*fakeEmbedder
	model string
}

func (r refitted) Model() string { return r.model }

// publishOnSearch swaps the active embedder while the first search is in flight.
type publishOnSearch struct {
	domain.VectorStore
	publish func()
}

func (s *publishOnSearch) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if s.publish != nil {
		s.publish()
		s.publish = nil
	}
	return s.VectorStore.Search(ctx, req)
}

func TestRetriever_RefitDuringQuery(t *testing.T) {
	ctx := context.Background()
	base := &fakeEmbedder{vectors: map[string][]float32{"acme": {1, 0, 0}}}
	active := embedding.NewActive(base)

	mem := memory.NewStorage()
	require.NoError(t, mem.Upsert(ctx, "leads", []domain.IndexEntry{{
		Chunk:    domain.Chunk{ID: "a", Text: "chunk a"},
		Vector:   []float32{1, 0, 0},
		ModelTag: "fake/v2",
	}}))
	store := &publishOnSearch{VectorStore: mem, publish: func() {
		active.Publish(refitted{fakeEmbedder: base, model: "v2"})
	}}
	r := New(active, store, logging.Discard())

	t.Run("Retries once with the embedder published mid-query", func(t *testing.T) {
		res, err := r.Retrieve(ctx, Query{Text: "acme", Collection: "leads", TopK: 2, FinalK: 1, MMRLambda: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(res))
	})

	t.Run("A stale index without a newer model is still reported", func(t *testing.T) {
		stale := New(base, mem, logging.Discard())
		_, err := stale.Retrieve(ctx, Query{Text: "acme", Collection: "leads", TopK: 2, FinalK: 1, MMRLambda: 1})
		assert.ErrorIs(t, err, domain.ErrIndexCorruption)
	})
}
