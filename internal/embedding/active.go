package embedding

import (
	"context"
	"sync/atomic"

	"leadrag/internal/domain"
)

// Active holds the embedder in effect. Ingestion fits a new embedder on the side and
// publishes it only once the entries it produced are committed, so queries keep embedding
// with the model the index holds.
type Active struct {
	cur atomic.Pointer[current]
}

type current struct {
	e domain.Embedder
}

var (
	_ domain.Embedder    = (*Active)(nil)
	_ domain.Snapshotter = (*Active)(nil)
)

func NewActive(e domain.Embedder) *Active {
	a := &Active{}
	a.Publish(e)
	return a
}

// Snapshot returns the embedder in effect.
func (a *Active) Snapshot() domain.Embedder { return a.cur.Load().e }

// Publish makes e the embedder in effect.
func (a *Active) Publish(e domain.Embedder) { a.cur.Store(&current{e: e}) }

func (a *Active) Name() string   { return a.Snapshot().Name() }
func (a *Active) Model() string  { return a.Snapshot().Model() }
func (a *Active) Dimension() int { return a.Snapshot().Dimension() }

func (a *Active) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.Snapshot().Embed(ctx, text)
}

func (a *Active) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return a.Snapshot().EmbedBatch(ctx, texts)
}
