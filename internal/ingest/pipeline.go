// Package ingest runs documents through chunking, embedding and indexing.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadrag/internal/domain"
)

// State is the progress of one source within a run.
type State string

const (
	StatePending   State = "pending"
	StateChunking  State = "chunking"
	StateEmbedding State = "embedding"
	StateIndexing  State = "indexing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// rollbackTimeout bounds the cleanup of a failed source, which runs even after the run's deadline.
const rollbackTimeout = 30 * time.Second

// Event reports a state transition of one source.
type Event struct {
	RunID      string
	DocumentID string
	Source     string
	State      State
	Err        error
}

// StateListener observes state transitions. It is called synchronously from the run.
type StateListener func(Event)

// Options selects the collection and the mode of a run.
type Options struct {
	Collection string
	// Reindex replaces the whole collection with this run's documents in one step.
	Reindex bool
}

// SourceFailure describes a document that could not be ingested.
type SourceFailure struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
	State      State  `json:"state"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
}

// Result summarises a run.
type Result struct {
	RunID          string          `json:"run_id"`
	Collection     string          `json:"collection"`
	ProcessedCount int             `json:"processed_records"`
	TotalChunks    int             `json:"total_chunks"`
	Failed         []SourceFailure `json:"failed,omitempty"`
}

// Pipeline wires a chunker, an embedder and a store.
type Pipeline struct {
	chunker  domain.Chunker
	embedder domain.Embedder
	store    domain.VectorStore
	logger   *slog.Logger
	timeout  time.Duration
	listener StateListener
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds a whole run.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithListener installs a state listener.
func WithListener(l StateListener) Option {
	return func(p *Pipeline) { p.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(chunker domain.Chunker, embedder domain.Embedder, store domain.VectorStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		logger:   slog.Default(),
		timeout:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// staged is a document after chunking.
type staged struct {
	doc     domain.Document
	chunks  []domain.Chunk
	entries []domain.IndexEntry
}

// Ingest indexes docs. Per-source failures are reported in Result.Failed; the error is reserved
// for failures of the run itself, such as a timeout or a failed collection swap.
func (p *Pipeline) Ingest(ctx context.Context, docs []domain.Document, opts Options) (Result, error) {
	res := Result{RunID: uuid.NewString(), Collection: opts.Collection}
	if opts.Collection == "" {
		return res, fmt.Errorf("%w: collection is required", domain.ErrInvalidInput)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	log := p.logger.With("run_id", res.RunID, "collection", opts.Collection)
	log.Info("ingestion started", "documents", len(docs), "reindex", opts.Reindex)
	start := time.Now()

	var work []*staged
	for _, doc := range docs {
		p.emit(res.RunID, doc, StatePending, nil)
	}
	for _, doc := range docs {
		p.emit(res.RunID, doc, StateChunking, nil)
		chunks, err := p.chunker.Chunk(doc)
		if err != nil {
			res.fail(p, doc, StateChunking, err)
			continue
		}
		work = append(work, &staged{doc: doc, chunks: chunks})
	}

	run, err := p.prepare(ctx, opts, domain.Current(p.embedder), work)
	if err != nil {
		return res, domain.Timeout("prepare embedder", err)
	}

	if run.reindex {
		err = p.replace(ctx, &res, opts.Collection, run, work)
	} else {
		err = p.incremental(ctx, &res, opts.Collection, run.embedder, work)
	}
	if err == nil && run.fitted {
		p.publish(run.embedder)
	}
	log.Info("ingestion finished",
		"processed", res.ProcessedCount, "chunks", res.TotalChunks, "failed", len(res.Failed),
		"took", time.Since(start), "err", err)
	return res, err
}

// plan is how one run embeds and commits.
type plan struct {
	embedder domain.Embedder
	// fitted is set when embedder was fitted for this run and is not yet in effect.
	fitted  bool
	reindex bool
	// carried are entries of documents outside the run that a replace must keep.
	carried []domain.IndexEntry
}

// prepare fits corpus-dependent embedders. A new fit never touches the embedder queries use:
// the run embeds with it, replaces the collection in one step and publishes it afterwards.
func (p *Pipeline) prepare(ctx context.Context, opts Options, base domain.Embedder, work []*staged) (plan, error) {
	fitter, ok := base.(domain.Fitter)
	if !ok {
		return plan{embedder: base, reindex: opts.Reindex}, nil
	}
	var carried []domain.IndexEntry
	if !opts.Reindex {
		existing, err := p.store.Find(ctx, opts.Collection, nil)
		if err != nil {
			return plan{}, err
		}
		inRun := make(map[string]bool, len(work))
		for _, w := range work {
			inRun[w.doc.ID] = true
		}
		for _, e := range existing {
			if !inRun[e.Metadata[domain.MetaDocumentID]] {
				carried = append(carried, e)
			}
		}
	}

	var corpus []string
	for _, e := range carried {
		corpus = append(corpus, e.Chunk.Text)
	}
	for _, w := range work {
		for _, c := range w.chunks {
			if strings.TrimSpace(c.Text) != "" {
				corpus = append(corpus, c.Text)
			}
		}
	}
	if len(corpus) == 0 {
		return plan{embedder: base, reindex: opts.Reindex}, nil
	}

	fitted, err := fitter.Fit(corpus)
	if err != nil {
		return plan{}, err
	}
	if domain.ModelTag(fitted) == domain.ModelTag(base) {
		return plan{embedder: base, reindex: opts.Reindex}, nil
	}
	p.logger.Info("embedder refitted, rebuilding collection",
		"collection", opts.Collection, "model", domain.ModelTag(fitted), "carried", len(carried))
	return plan{embedder: fitted, fitted: true, reindex: true, carried: carried}, nil
}

type publisher interface {
	Publish(domain.Embedder)
}

func (p *Pipeline) publish(e domain.Embedder) {
	pub, ok := p.embedder.(publisher)
	if !ok {
		p.logger.Warn("refitted embedder cannot be published, queries keep the previous model", "model", domain.ModelTag(e))
		return
	}
	pub.Publish(e)
}

// incremental commits one source at a time and rolls a failed source back to its snapshot.
func (p *Pipeline) incremental(ctx context.Context, res *Result, collection string, emb domain.Embedder, work []*staged) error {
	for i, w := range work {
		if err := ctx.Err(); err != nil {
			for _, rest := range work[i:] {
				res.fail(p, rest.doc, StatePending, domain.Timeout("ingest", err))
			}
			return domain.Timeout("ingest", err)
		}
		if err := p.embed(ctx, res.RunID, emb, w); err != nil {
			res.fail(p, w.doc, StateEmbedding, err)
			continue
		}
		p.emit(res.RunID, w.doc, StateIndexing, nil)
		if err := p.commit(ctx, collection, w); err != nil {
			res.fail(p, w.doc, StateIndexing, domain.Timeout("index", err))
			continue
		}
		res.done(p, w)
	}
	if err := ctx.Err(); err != nil {
		return domain.Timeout("ingest", err)
	}
	return nil
}

// commit upserts a document's entries and prunes the ids an older version left behind.
func (p *Pipeline) commit(ctx context.Context, collection string, w *staged) error {
	snapshot, err := p.store.Find(ctx, collection, domain.Filter{domain.MetaDocumentID: w.doc.ID})
	if err != nil {
		return err
	}
	fresh := make(map[string]bool, len(w.entries))
	for _, e := range w.entries {
		fresh[e.Chunk.ID] = true
	}
	var stale []string
	for _, e := range snapshot {
		if !fresh[e.Chunk.ID] {
			stale = append(stale, e.Chunk.ID)
		}
	}

	if len(w.entries) > 0 {
		err = p.store.Upsert(ctx, collection, w.entries)
	}
	if err == nil {
		err = p.store.Delete(ctx, collection, stale)
	}
	if err != nil {
		p.rollback(ctx, collection, w, snapshot)
		return err
	}
	return nil
}

// rollback restores a document's snapshot. It runs on a detached context so a run that hit
// its deadline still cleans up.
func (p *Pipeline) rollback(ctx context.Context, collection string, w *staged, snapshot []domain.IndexEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	old := make(map[string]bool, len(snapshot))
	for _, e := range snapshot {
		old[e.Chunk.ID] = true
	}
	var added []string
	for _, e := range w.entries {
		if !old[e.Chunk.ID] {
			added = append(added, e.Chunk.ID)
		}
	}
	var errs []error
	if err := p.store.Delete(ctx, collection, added); err != nil {
		errs = append(errs, err)
	}
	if len(snapshot) > 0 {
		if err := p.store.Upsert(ctx, collection, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Error("rollback incomplete", "document_id", w.doc.ID, "source", w.doc.Source, "err", err)
		return
	}
	p.logger.Warn("rolled back source", "document_id", w.doc.ID, "source", w.doc.Source)
}

// replace embeds everything first and swaps the collection once, so readers see either the
// old or the new index. A failed source keeps its previous entries; when no source succeeds the
// collection is left as it was.
func (p *Pipeline) replace(ctx context.Context, res *Result, collection string, run plan, work []*staged) error {
	tag := domain.ModelTag(run.embedder)
	var ok []*staged
	for _, w := range work {
		if err := p.embed(ctx, res.RunID, run.embedder, w); err != nil {
			res.fail(p, w.doc, StateEmbedding, err)
			if ctx.Err() != nil {
				return domain.Timeout("ingest", ctx.Err())
			}
			continue
		}
		p.emit(res.RunID, w.doc, StateIndexing, nil)
		ok = append(ok, w)
	}
	if len(ok) == 0 {
		return fmt.Errorf("%w: every source failed, collection %s left unchanged", domain.ErrProcessing, collection)
	}

	kept, err := p.keepFailed(ctx, collection, res.Failed)
	if err == nil {
		kept, err = p.reembed(ctx, run.embedder, slices.Concat(run.carried, kept))
	}
	if err == nil {
		for _, w := range ok {
			kept = append(kept, w.entries...)
		}
		err = p.store.Replace(ctx, collection, kept)
	}
	if err != nil {
		err = domain.Timeout("replace collection", err)
		for _, w := range ok {
			res.fail(p, w.doc, StateIndexing, err)
		}
		return err
	}
	p.logger.Debug("collection replaced", "collection", collection, "model", tag, "entries", len(kept))
	for _, w := range ok {
		res.done(p, w)
	}
	return nil
}

// keepFailed returns the indexed entries of sources that failed in this run.
func (p *Pipeline) keepFailed(ctx context.Context, collection string, failed []SourceFailure) ([]domain.IndexEntry, error) {
	var out []domain.IndexEntry
	for _, f := range failed {
		entries, err := p.store.Find(ctx, collection, domain.Filter{domain.MetaDocumentID: f.DocumentID})
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// reembed brings entries of another model onto emb.
func (p *Pipeline) reembed(ctx context.Context, emb domain.Embedder, entries []domain.IndexEntry) ([]domain.IndexEntry, error) {
	tag := domain.ModelTag(emb)
	var idx []int
	var texts []string
	for i, e := range entries {
		if e.ModelTag != tag {
			idx = append(idx, i)
			texts = append(texts, e.Chunk.Text)
		}
	}
	if len(texts) == 0 {
		return entries, nil
	}
	vectors, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("re-embed kept entries: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d kept entries", domain.ErrEmbeddingUnavailable, len(vectors), len(texts))
	}
	out := slices.Clone(entries)
	for j, i := range idx {
		out[i].Vector = vectors[j]
		out[i].ModelTag = tag
	}
	return out, nil
}

func (p *Pipeline) embed(ctx context.Context, runID string, emb domain.Embedder, w *staged) error {
	p.emit(runID, w.doc, StateEmbedding, nil)
	w.entries = nil
	// Whitespace-only windows carry nothing to retrieve and are not indexed.
	chunks := slices.DeleteFunc(slices.Clone(w.chunks), func(c domain.Chunk) bool {
		return strings.TrimSpace(c.Text) == ""
	})
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return domain.Timeout("embed", err)
	}
	tag := domain.ModelTag(emb)
	if len(vectors) != len(chunks) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", domain.ErrEmbeddingUnavailable, len(vectors), len(chunks))
	}
	w.entries = make([]domain.IndexEntry, len(chunks))
	for i, c := range chunks {
		w.entries[i] = domain.IndexEntry{
			Chunk:    c,
			Vector:   vectors[i],
			ModelTag: tag,
			Metadata: entryMetadata(w.doc, c),
		}
	}
	return nil
}

func entryMetadata(doc domain.Document, c domain.Chunk) map[string]string {
	md := maps.Clone(doc.Metadata)
	if md == nil {
		md = make(map[string]string)
	}
	md[domain.MetaDocumentID] = doc.ID
	md[domain.MetaSourceType] = string(doc.SourceType)
	if md[domain.MetaSource] == "" {
		md[domain.MetaSource] = doc.Source
	}
	if c.RowID > 0 {
		md[domain.MetaRowID] = strconv.Itoa(c.RowID)
	}
	if c.CellAddress != "" {
		md[domain.MetaCell] = c.CellAddress
	}
	return md
}

func (p *Pipeline) emit(runID string, doc domain.Document, s State, err error) {
	if p.listener != nil {
		p.listener(Event{RunID: runID, DocumentID: doc.ID, Source: doc.Source, State: s, Err: err})
	}
}

func (r *Result) fail(p *Pipeline, doc domain.Document, at State, err error) {
	p.logger.Warn("source failed", "run_id", r.RunID, "source", doc.Source, "state", at, "err", err)
	r.Failed = append(r.Failed, SourceFailure{
		DocumentID: doc.ID,
		Source:     doc.Source,
		State:      at,
		Reason:     domain.Reason(err),
		Message:    err.Error(),
	})
	p.emit(r.RunID, doc, StateFailed, err)
}

func (r *Result) done(p *Pipeline, w *staged) {
	r.ProcessedCount++
	r.TotalChunks += len(w.entries)
	p.emit(r.RunID, w.doc, StateDone, nil)
}
