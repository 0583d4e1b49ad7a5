package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"leadrag/internal/domain"
	"leadrag/internal/vectorstore"
)

// Storage is an in-memory vector store using brute-force cosine similarity.
// Each collection is an immutable snapshot; writers build a new one and swap it in,
// so searches never observe a half-applied write.
type Storage struct {
	writeMu     sync.Mutex
	collections sync.Map // name -> *atomic.Pointer[snapshot]
}

type snapshot struct {
	entries []domain.IndexEntry
	index   map[string]int
}

var emptySnapshot = &snapshot{index: map[string]int{}}

var _ domain.VectorStore = (*Storage)(nil)

func NewStorage() *Storage { return &Storage{} }

func (s *Storage) ptr(collection string) *atomic.Pointer[snapshot] {
	if p, ok := s.collections.Load(collection); ok {
		return p.(*atomic.Pointer[snapshot])
	}
	p := &atomic.Pointer[snapshot]{}
	p.Store(emptySnapshot)
	actual, _ := s.collections.LoadOrStore(collection, p)
	return actual.(*atomic.Pointer[snapshot])
}

func (s *Storage) load(collection string) *snapshot {
	return s.ptr(collection).Load()
}

// Upsert inserts or replaces entries by chunk id. Replaced entries keep their position.
func (s *Storage) Upsert(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.ptr(collection)
	old := p.Load()
	next := &snapshot{
		entries: make([]domain.IndexEntry, len(old.entries), len(old.entries)+len(entries)),
		index:   make(map[string]int, len(old.index)+len(entries)),
	}
	copy(next.entries, old.entries)
	for k, v := range old.index {
		next.index[k] = v
	}
	for _, e := range entries {
		e = clone(e)
		if i, ok := next.index[e.Chunk.ID]; ok {
			next.entries[i] = e
			continue
		}
		next.index[e.Chunk.ID] = len(next.entries)
		next.entries = append(next.entries, e)
	}
	p.Store(next)
	return nil
}

// Replace swaps the collection's contents for entries in one step.
func (s *Storage) Replace(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	next := build(entries)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ptr(collection).Store(next)
	return nil
}

// Delete removes entries by chunk id; unknown ids are ignored.
func (s *Storage) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := s.ptr(collection)
	old := p.Load()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]domain.IndexEntry, 0, len(old.entries))
	for _, e := range old.entries {
		if _, ok := drop[e.Chunk.ID]; !ok {
			kept = append(kept, e)
		}
	}
	p.Store(build(kept))
	return nil
}

// Find returns the entries whose metadata matches filter, in insertion order.
func (s *Storage) Find(ctx context.Context, collection string, filter domain.Filter) ([]domain.IndexEntry, error) {
	snap := s.load(collection)
	var out []domain.IndexEntry
	for _, e := range snap.entries {
		if filter.Matches(e.Metadata) {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// Search ranks the current snapshot against the request.
func (s *Storage) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Timeout("memory search", err)
	}
	return vectorstore.Rank(s.load(req.Collection).entries, req)
}

// Clear empties the collection.
func (s *Storage) Clear(ctx context.Context, collection string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ptr(collection).Store(emptySnapshot)
	return nil
}

// Stats reports the entry count and, when field is set, the distribution of its values.
func (s *Storage) Stats(ctx context.Context, collection string, field string) (domain.IndexStats, error) {
	snap := s.load(collection)
	return domain.IndexStats{
		Count:        len(snap.entries),
		Distribution: vectorstore.Distribution(snap.entries, field),
	}, nil
}

func build(entries []domain.IndexEntry) *snapshot {
	next := &snapshot{
		entries: make([]domain.IndexEntry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		e = clone(e)
		if i, ok := next.index[e.Chunk.ID]; ok {
			next.entries[i] = e
			continue
		}
		next.index[e.Chunk.ID] = len(next.entries)
		next.entries = append(next.entries, e)
	}
	return next
}

func clone(e domain.IndexEntry) domain.IndexEntry {
	v := make([]float32, len(e.Vector))
	copy(v, e.Vector)
	e.Vector = v
	md := make(map[string]string, len(e.Metadata))
	for k, val := range e.Metadata {
		md[k] = val
	}
	e.Metadata = md
	return e
}
