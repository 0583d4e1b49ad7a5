// Package retriever turns a question into a ranked, diversified context set.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"leadrag/internal/domain"
	"leadrag/internal/vectorstore"
)

// dedupeRunes is how much leading text two chunks must share to count as duplicates.
const dedupeRunes = 100

// Query is one retrieval request.
type Query struct {
	Text           string
	Collection     string
	TopK           int
	FinalK         int
	ScoreThreshold float64
	MMRLambda      float64
	Filter         domain.Filter
}

// Validate checks the numeric parameters.
func (q Query) Validate() error {
	switch {
	case strings.TrimSpace(q.Text) == "":
		return fmt.Errorf("%w: query is empty", domain.ErrInvalidInput)
	case q.FinalK < 1:
		return fmt.Errorf("%w: final_k must be >= 1", domain.ErrInvalidInput)
	case q.MMRLambda < 0 || q.MMRLambda > 1:
		return fmt.Errorf("%w: mmr_lambda must be within [0, 1]", domain.ErrInvalidInput)
	case q.ScoreThreshold < -1 || q.ScoreThreshold > 1:
		return fmt.Errorf("%w: score_threshold must be within [-1, 1]", domain.ErrInvalidInput)
	}
	return nil
}

// Retriever embeds questions and searches one store.
type Retriever struct {
	embedder domain.Embedder
	store    domain.VectorStore
	logger   *slog.Logger
}

func New(embedder domain.Embedder, store domain.VectorStore, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, store: store, logger: logger}
}

// Retrieve embeds the query, fetches TopK candidates, drops those under the threshold,
// collapses duplicates and selects FinalK with MMR. No surviving candidate is not an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]domain.RetrievalResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.TopK < q.FinalK {
		q.TopK = q.FinalK
	}

	candidates, err := r.search(ctx, q)
	if err != nil || candidates == nil {
		return nil, err
	}

	kept := Threshold(candidates, q.ScoreThreshold)
	kept = Dedupe(kept)
	selected := MMR(kept, q.FinalK, q.MMRLambda)
	r.logger.Debug("retrieved context",
		"candidates", len(candidates),
		"above_threshold", len(kept),
		"selected", len(selected),
	)
	return selected, nil
}

// search embeds and searches with one embedder snapshot, so the vector and the model tag
// always agree. A refit published while the search ran is retried once with the new model.
func (r *Retriever) search(ctx context.Context, q Query) ([]domain.SearchResult, error) {
	emb := domain.Current(r.embedder)
	for attempt := 0; ; attempt++ {
		vec, err := emb.Embed(ctx, q.Text)
		if err != nil {
			return nil, domain.Timeout("embed query", err)
		}
		if vectorstore.IsZero(vec) {
			r.logger.Debug("query embedded to the zero vector", "query", q.Text)
			return nil, nil
		}
		candidates, err := r.store.Search(ctx, domain.SearchRequest{
			Collection: q.Collection,
			Vector:     vec,
			K:          q.TopK,
			Filter:     q.Filter,
			ModelTag:   domain.ModelTag(emb),
		})
		if errors.Is(err, domain.ErrIndexCorruption) && attempt == 0 {
			if next := domain.Current(r.embedder); domain.ModelTag(next) != domain.ModelTag(emb) {
				emb = next
				continue
			}
		}
		if err != nil {
			return nil, domain.Timeout("search", err)
		}
		return candidates, nil
	}
}

// Threshold keeps candidates scoring at least min.
func Threshold(candidates []domain.SearchResult, min float64) []domain.SearchResult {
	out := make([]domain.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= min {
			out = append(out, c)
		}
	}
	return out
}

// Dedupe drops candidates whose leading text repeats an earlier, higher-ranked one.
func Dedupe(candidates []domain.SearchResult) []domain.SearchResult {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]domain.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		key := strings.TrimSpace(c.Entry.Chunk.Text)
		if rs := []rune(key); len(rs) > dedupeRunes {
			key = string(rs[:dedupeRunes])
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// MMR picks up to k candidates, each maximizing
// lambda*relevance - (1-lambda)*max similarity to those already picked.
// Equal scores resolve to the earlier candidate.
func MMR(candidates []domain.SearchResult, k int, lambda float64) []domain.RetrievalResult {
	if k > len(candidates) {
		k = len(candidates)
	}
	if k <= 0 {
		return nil
	}
	picked := make([]bool, len(candidates))
	// maxSim[i] is candidate i's highest similarity to any selection so far.
	maxSim := make([]float64, len(candidates))
	out := make([]domain.RetrievalResult, 0, k)

	for len(out) < k {
		best, bestScore := -1, 0.0
		for i, c := range candidates {
			if picked[i] {
				continue
			}
			score := lambda * c.Score
			if len(out) > 0 {
				score -= (1 - lambda) * maxSim[i]
			}
			if best == -1 || score > bestScore {
				best, bestScore = i, score
			}
		}
		picked[best] = true
		chosen := candidates[best]
		out = append(out, domain.RetrievalResult{Entry: chosen.Entry, Score: chosen.Score, Rank: len(out) + 1})

		for i, c := range candidates {
			if picked[i] {
				continue
			}
			sim := vectorstore.Cosine(c.Entry.Vector, chosen.Entry.Vector)
			if len(out) == 1 || sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return out
}
