// Package chroma stores index entries in a Chroma server through its v2 HTTP API.
package chroma

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"

	"leadrag/internal/domain"
	"leadrag/internal/vectorstore"
)

// Storage maps each logical collection to a versioned Chroma collection using cosine space.
// A pointer collection records which version is active; Replace fills a new version and then
// moves the pointer, so readers see the old or the new index.
type Storage struct {
	client chromago.Client
	logger *slog.Logger
	phys   physical

	// swapMu serializes Replace.
	swapMu sync.Mutex

	mu          sync.Mutex
	collections map[string]chromago.Collection
	active      map[string]string
}

// physical is the part of Chroma a collection swap goes through.
type physical interface {
	fill(ctx context.Context, name string, entries []domain.IndexEntry) error
	drop(ctx context.Context, name string) error
	// loadPointer returns the active version of logical, or "" when none was recorded.
	loadPointer(ctx context.Context, logical string) (string, error)
	storePointer(ctx context.Context, logical, name string) error
}

const (
	pointerSuffix = "__active"
	pointerID     = "active"
	keyActive     = "collection"
)

var _ domain.VectorStore = (*Storage)(nil)

// New connects to the Chroma server at url (the client default when empty).
func New(url string, logger *slog.Logger) (*Storage, error) {
	var opts []chromago.ClientOption
	if url != "" {
		opts = append(opts, chromago.WithBaseURL(url))
	}
	client, err := chromago.NewHTTPClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}
	return newStorage(client, logger), nil
}

func newStorage(client chromago.Client, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Storage{
		client:      client,
		logger:      logger,
		collections: map[string]chromago.Collection{},
		active:      map[string]string{},
	}
	s.phys = s
	return s
}

// Close releases the client.
func (s *Storage) Close() error { return s.client.Close() }

// resolve returns the Chroma collection currently serving logical. Without a recorded
// pointer the logical name itself is used.
func (s *Storage) resolve(ctx context.Context, logical string) (string, error) {
	s.mu.Lock()
	name, ok := s.active[logical]
	s.mu.Unlock()
	if ok {
		return name, nil
	}
	name, err := s.phys.loadPointer(ctx, logical)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = logical
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.active[logical]; ok {
		return cur, nil
	}
	s.active[logical] = name
	return name, nil
}

func (s *Storage) collection(ctx context.Context, logical string) (chromago.Collection, error) {
	name, err := s.resolve(ctx, logical)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, name)
}

func (s *Storage) open(ctx context.Context, name string) (chromago.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c, err := s.client.GetOrCreateCollection(ctx, name,
		chromago.WithHNSWSpaceCreate(embeddings.COSINE),
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("description", "lead retrieval index"),
				chromago.NewStringAttribute("created_by", "leadrag"),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create chroma collection %s: %w", name, err)
	}
	s.collections[name] = c
	return c, nil
}

func (s *Storage) Upsert(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	c, err := s.collection(ctx, collection)
	if err != nil {
		return err
	}
	return upsertInto(ctx, c, entries)
}

func upsertInto(ctx context.Context, c chromago.Collection, entries []domain.IndexEntry) error {
	ids := make([]chromago.DocumentID, len(entries))
	texts := make([]string, len(entries))
	embs := make([]embeddings.Embedding, len(entries))
	metas := make([]chromago.DocumentMetadata, len(entries))
	for i, e := range entries {
		ids[i] = chromago.DocumentID(e.Chunk.ID)
		texts[i] = e.Chunk.Text
		embs[i] = embeddings.NewEmbeddingFromFloat32(e.Vector)
		payload := vectorstore.ToPayload(e)
		attrs := make([]*chromago.MetaAttribute, 0, len(payload))
		for k, v := range payload {
			attrs = append(attrs, chromago.NewStringAttribute(k, v))
		}
		metas[i] = chromago.NewDocumentMetadata(attrs...)
	}
	if err := c.Upsert(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(embs...),
		chromago.WithMetadatas(metas...),
	); err != nil {
		return fmt.Errorf("failed to upsert into chroma: %w", err)
	}
	return nil
}

// Replace fills a new version of the collection, points the collection at it and drops the
// previous version. On failure the previous version stays active.
func (s *Storage) Replace(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	previous, err := s.resolve(ctx, collection)
	if err != nil {
		return err
	}
	next := fmt.Sprintf("%s__v%d", collection, time.Now().UnixNano())
	if err := s.phys.fill(ctx, next, entries); err != nil {
		s.dropQuietly(ctx, next)
		return err
	}
	if err := s.phys.storePointer(ctx, collection, next); err != nil {
		s.dropQuietly(ctx, next)
		return fmt.Errorf("failed to switch chroma collection %s: %w", collection, err)
	}
	s.mu.Lock()
	s.active[collection] = next
	s.mu.Unlock()
	s.logger.Debug("chroma collection switched", "collection", collection, "from", previous, "to", next)
	s.dropQuietly(ctx, previous)
	return nil
}

func (s *Storage) dropQuietly(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.phys.drop(ctx, name); err != nil {
		s.logger.Debug("chroma delete collection", "collection", name, "err", err)
	}
}

func (s *Storage) fill(ctx context.Context, name string, entries []domain.IndexEntry) error {
	c, err := s.open(ctx, name)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return upsertInto(ctx, c, entries)
}

func (s *Storage) drop(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.collections, name)
	s.mu.Unlock()
	return s.client.DeleteCollection(ctx, name)
}

func (s *Storage) loadPointer(ctx context.Context, logical string) (string, error) {
	c, err := s.open(ctx, logical+pointerSuffix)
	if err != nil {
		return "", err
	}
	res, err := c.Get(ctx, chromago.WithIncludeGet(chromago.IncludeMetadatas))
	if err != nil {
		return "", fmt.Errorf("failed to read chroma pointer for %s: %w", logical, err)
	}
	metas := res.GetMetadatas()
	if len(metas) == 0 {
		return "", nil
	}
	return payloadOf(metas[0])[keyActive], nil
}

func (s *Storage) storePointer(ctx context.Context, logical, name string) error {
	c, err := s.open(ctx, logical+pointerSuffix)
	if err != nil {
		return err
	}
	return c.Upsert(ctx,
		chromago.WithIDs(pointerID),
		chromago.WithTexts(name),
		chromago.WithEmbeddings(embeddings.NewEmbeddingFromFloat32([]float32{1})),
		chromago.WithMetadatas(chromago.NewDocumentMetadata(chromago.NewStringAttribute(keyActive, name))),
	)
}

func (s *Storage) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := s.collection(ctx, collection)
	if err != nil {
		return err
	}
	docIDs := make([]chromago.DocumentID, len(ids))
	for i, id := range ids {
		docIDs[i] = chromago.DocumentID(id)
	}
	return c.Delete(ctx, chromago.WithIDsDelete(docIDs...))
}

func (s *Storage) Find(ctx context.Context, collection string, filter domain.Filter) ([]domain.IndexEntry, error) {
	c, err := s.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	opts := []chromago.CollectionGetOption{
		chromago.WithIncludeGet(chromago.IncludeDocuments, chromago.IncludeMetadatas, chromago.IncludeEmbeddings),
	}
	if where := toWhere(filter); where != nil {
		opts = append(opts, chromago.WithWhereGet(where))
	}
	res, err := c.Get(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to read chroma collection: %w", err)
	}
	docs := res.GetDocuments()
	metas := res.GetMetadatas()
	embs := res.GetEmbeddings()
	out := make([]domain.IndexEntry, 0, len(metas))
	for i := range metas {
		out = append(out, toEntry(at(docs, i), metas[i], embeddingAt(embs, i)))
	}
	return out, nil
}

func (s *Storage) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if req.K <= 0 || vectorstore.IsZero(req.Vector) {
		return nil, nil
	}
	c, err := s.collection(ctx, req.Collection)
	if err != nil {
		return nil, err
	}
	total, err := c.Count(ctx)
	if err != nil {
		return nil, domain.Timeout("chroma count", err)
	}
	if total == 0 {
		return nil, nil
	}

	filter := domain.Filter{}
	for k, v := range req.Filter {
		filter[k] = v
	}
	if req.ModelTag != "" {
		filter[vectorstore.KeyModelTag] = req.ModelTag
	}
	k := req.K
	if k > total {
		k = total
	}
	opts := []chromago.CollectionQueryOption{
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(req.Vector)),
		chromago.WithNResults(k),
		chromago.WithIncludeQuery(chromago.IncludeDocuments, chromago.IncludeMetadatas, chromago.IncludeEmbeddings, chromago.IncludeDistances),
	}
	if where := toWhere(filter); where != nil {
		opts = append(opts, chromago.WithWhereQuery(where))
	}
	res, err := c.Query(ctx, opts...)
	if err != nil {
		return nil, domain.Timeout("chroma query", err)
	}

	var results []domain.SearchResult
	docGroups := res.GetDocumentsGroups()
	metaGroups := res.GetMetadatasGroups()
	distGroups := res.GetDistancesGroups()
	embGroups := res.GetEmbeddingsGroups()
	if len(metaGroups) > 0 {
		for i, md := range metaGroups[0] {
			var docs chromago.Documents
			if len(docGroups) > 0 {
				docs = docGroups[0]
			}
			var embs embeddings.Embeddings
			if len(embGroups) > 0 {
				embs = embGroups[0]
			}
			e := toEntry(at(docs, i), md, embeddingAt(embs, i))
			if len(e.Vector) > 0 && len(e.Vector) != len(req.Vector) {
				return nil, fmt.Errorf("%w: stored dimension %d, query dimension %d", domain.ErrIndexCorruption, len(e.Vector), len(req.Vector))
			}
			score := 0.0
			if len(distGroups) > 0 && i < len(distGroups[0]) {
				score = 1 - float64(distGroups[0][i])
			}
			results = append(results, domain.SearchResult{Entry: e, Score: score})
		}
	}

	if len(results) == 0 && req.ModelTag != "" {
		current, err := c.Get(ctx,
			chromago.WithWhereGet(chromago.EqString(vectorstore.KeyModelTag, req.ModelTag)),
			chromago.WithLimitGet(1),
		)
		if err != nil {
			return nil, err
		}
		if len(current.GetIDs()) == 0 {
			return nil, fmt.Errorf("%w: no entries for model %s", domain.ErrIndexCorruption, req.ModelTag)
		}
	}
	return results, nil
}

// Clear switches the collection to an empty version.
func (s *Storage) Clear(ctx context.Context, collection string) error {
	return s.Replace(ctx, collection, nil)
}

func (s *Storage) Stats(ctx context.Context, collection string, field string) (domain.IndexStats, error) {
	if field == "" {
		c, err := s.collection(ctx, collection)
		if err != nil {
			return domain.IndexStats{}, err
		}
		n, err := c.Count(ctx)
		return domain.IndexStats{Count: n}, err
	}
	entries, err := s.Find(ctx, collection, nil)
	if err != nil {
		return domain.IndexStats{}, err
	}
	return domain.IndexStats{Count: len(entries), Distribution: vectorstore.Distribution(entries, field)}, nil
}

func toWhere(f domain.Filter) chromago.WhereClause {
	if len(f) == 0 {
		return nil
	}
	clauses := make([]chromago.WhereClause, 0, len(f))
	for k, v := range f {
		clauses = append(clauses, chromago.EqString(k, v))
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return chromago.And(clauses...)
}

func at(docs chromago.Documents, i int) string {
	if i < len(docs) && docs[i] != nil {
		return docs[i].ContentString()
	}
	return ""
}

func embeddingAt(embs embeddings.Embeddings, i int) []float32 {
	if i < len(embs) && embs[i] != nil {
		return embs[i].ContentAsFloat32()
	}
	return nil
}

func toEntry(text string, md chromago.DocumentMetadata, vector []float32) domain.IndexEntry {
	return vectorstore.FromPayload(text, vector, payloadOf(md))
}

// payloadOf decodes metadata through JSON since the client exposes it as an interface.
func payloadOf(md chromago.DocumentMetadata) map[string]string {
	payload := map[string]string{}
	if md == nil {
		return payload
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return payload
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return payload
	}
	for k, v := range m {
		if str, ok := v.(string); ok {
			payload[k] = str
		} else if v != nil {
			payload[k] = fmt.Sprint(v)
		}
	}
	return payload
}
