package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadrag/internal/domain"
	"leadrag/internal/vectorstore"
)

// fakeQdrant implements the slice of the Qdrant REST API the store uses.
type fakeQdrant struct {
	mu          sync.Mutex
	aliases     map[string]string
	collections map[string]map[string]point
	order       map[string][]string
	failAliases bool
}

func newFake() *fakeQdrant {
	return &fakeQdrant{
		aliases:     map[string]string{},
		collections: map[string]map[string]point{},
		order:       map[string][]string{},
	}
}

func (f *fakeQdrant) target(name string) string {
	if c, ok := f.aliases[name]; ok {
		return c
	}
	return name
}

func matches(filter map[string]any, payload map[string]any) bool {
	must, _ := filter["must"].([]any)
	for _, m := range must {
		cond := m.(map[string]any)
		want := cond["match"].(map[string]any)["value"]
		if payload[cond["key"].(string)] != want {
			return false
		}
	}
	return true
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	reply := func(v any) { _ = json.NewEncoder(w).Encode(map[string]any{"result": v}) }

	if len(parts) == 2 && parts[1] == "aliases" {
		if r.Method == http.MethodGet {
			var out []map[string]string
			for a, c := range f.aliases {
				out = append(out, map[string]string{"alias_name": a, "collection_name": c})
			}
			reply(map[string]any{"aliases": out})
			return
		}
		if f.failAliases {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		for _, a := range body["actions"].([]any) {
			act := a.(map[string]any)
			if d, ok := act["delete_alias"].(map[string]any); ok {
				delete(f.aliases, d["alias_name"].(string))
			}
			if c, ok := act["create_alias"].(map[string]any); ok {
				f.aliases[c["alias_name"].(string)] = c["collection_name"].(string)
			}
		}
		reply(true)
		return
	}

	name := f.target(parts[1])
	coll, exists := f.collections[name]
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodPut:
			f.collections[name] = map[string]point{}
		case http.MethodDelete:
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.collections, name)
			delete(f.order, name)
		case http.MethodGet:
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		}
		reply(true)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	filter, _ := body["filter"].(map[string]any)
	switch parts[len(parts)-1] {
	case "points":
		for _, raw := range body["points"].([]any) {
			p := raw.(map[string]any)
			id := p["id"].(string)
			var vec []float32
			for _, x := range p["vector"].([]any) {
				vec = append(vec, float32(x.(float64)))
			}
			if _, ok := coll[id]; !ok {
				f.order[name] = append(f.order[name], id)
			}
			coll[id] = point{ID: id, Vector: vec, Payload: p["payload"].(map[string]any)}
		}
		reply(true)
	case "delete":
		for _, raw := range body["points"].([]any) {
			delete(coll, raw.(string))
		}
		reply(true)
	case "count":
		n := 0
		for _, p := range coll {
			if matches(filter, p.Payload) {
				n++
			}
		}
		reply(map[string]int{"count": n})
	case "scroll":
		var out []point
		for _, id := range f.order[name] {
			if p, ok := coll[id]; ok && matches(filter, p.Payload) {
				out = append(out, p)
			}
		}
		reply(map[string]any{"points": out, "next_page_offset": nil})
	case "search":
		var q []float32
		for _, x := range body["vector"].([]any) {
			q = append(q, float32(x.(float64)))
		}
		var entries []domain.IndexEntry
		for _, id := range f.order[name] {
			if p, ok := coll[id]; ok && matches(filter, p.Payload) {
				e := p.entry()
				e.ModelTag = ""
				entries = append(entries, e)
			}
		}
		ranked, _ := vectorstore.Rank(entries, domain.SearchRequest{Vector: q, K: int(body["limit"].(float64))})
		out := make([]point, 0, len(ranked))
		for _, r := range ranked {
			p := coll[PointID(r.Entry.Chunk.ID)]
			p.Score = r.Score
			out = append(out, p)
		}
		reply(out)
	}
}

func entry(id, tag string, vec []float32, md map[string]string) domain.IndexEntry {
	return domain.IndexEntry{
		Chunk:    domain.Chunk{ID: id, DocumentID: "doc", Text: "text " + id},
		Vector:   vec,
		ModelTag: tag,
		Metadata: md,
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("Upsert then search through the alias", func(t *testing.T) {
		fake := newFake()
		srv := httptest.NewServer(fake)
		defer srv.Close()
		s := NewStorage(Config{URL: srv.URL})

		require.NoError(t, s.Upsert(ctx, "leads", []domain.IndexEntry{
			entry("a", "m/1", []float32{1, 0}, map[string]string{domain.MetaLeadStatus: "商談中"}),
			entry("b", "m/1", []float32{0, 1}, map[string]string{domain.MetaLeadStatus: "失注"}),
		}))
		assert.Contains(t, fake.aliases, "leads")

		res, err := s.Search(ctx, domain.SearchRequest{Collection: "leads", Vector: []float32{1, 0.1}, K: 2, ModelTag: "m/1"})
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, "a", res[0].Entry.Chunk.ID)
		assert.Equal(t, "text a", res[0].Entry.Chunk.Text)
		assert.Equal(t, "商談中", res[0].Entry.Metadata[domain.MetaLeadStatus])

		res, err = s.Search(ctx, domain.SearchRequest{
			Collection: "leads", Vector: []float32{1, 0}, K: 2, ModelTag: "m/1",
			Filter: domain.Filter{domain.MetaLeadStatus: "失注"},
		})
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "b", res[0].Entry.Chunk.ID)
	})

	t.Run("Replace swaps the alias and drops the old collection", func(t *testing.T) {
		fake := newFake()
		srv := httptest.NewServer(fake)
		defer srv.Close()
		s := NewStorage(Config{URL: srv.URL})

		require.NoError(t, s.Upsert(ctx, "leads", []domain.IndexEntry{entry("old", "m/1", []float32{1, 0}, nil)}))
		before := fake.aliases["leads"]

		require.NoError(t, s.Replace(ctx, "leads", []domain.IndexEntry{entry("new", "m/1", []float32{1, 0}, nil)}))
		after := fake.aliases["leads"]
		assert.NotEqual(t, before, after)
		assert.NotContains(t, fake.collections, before)

		found, err := s.Find(ctx, "leads", nil)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "new", found[0].Chunk.ID)
	})

	t.Run("Replacing a plain collection moves it behind an alias", func(t *testing.T) {
		fake := newFake()
		srv := httptest.NewServer(fake)
		defer srv.Close()
		s := NewStorage(Config{URL: srv.URL})

		require.NoError(t, s.createCollection(ctx, "leads", 2))
		require.NoError(t, s.upsertPoints(ctx, "leads", []domain.IndexEntry{entry("old", "m/1", []float32{1, 0}, nil)}))

		require.NoError(t, s.Replace(ctx, "leads", []domain.IndexEntry{entry("new", "m/1", []float32{0, 1}, nil)}))
		require.Contains(t, fake.aliases, "leads")
		assert.NotContains(t, fake.collections, "leads")

		found, err := s.Find(ctx, "leads", nil)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "new", found[0].Chunk.ID)
	})

	t.Run("A failed alias request restores the plain collection", func(t *testing.T) {
		fake := newFake()
		srv := httptest.NewServer(fake)
		defer srv.Close()
		s := NewStorage(Config{URL: srv.URL})

		require.NoError(t, s.createCollection(ctx, "leads", 2))
		require.NoError(t, s.upsertPoints(ctx, "leads", []domain.IndexEntry{entry("old", "m/1", []float32{1, 0}, nil)}))
		fake.failAliases = true

		err := s.Replace(ctx, "leads", []domain.IndexEntry{entry("new", "m/1", []float32{0, 1}, nil)})
		require.Error(t, err)
		assert.Empty(t, fake.aliases)
		assert.Len(t, fake.collections, 1)

		found, err := s.Find(ctx, "leads", nil)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "old", found[0].Chunk.ID)
		assert.Equal(t, []float32{1, 0}, found[0].Vector)
	})

	t.Run("A collection without current model entries is corrupt", func(t *testing.T) {
		srv := httptest.NewServer(newFake())
		defer srv.Close()
		s := NewStorage(Config{URL: srv.URL})

		require.NoError(t, s.Upsert(ctx, "leads", []domain.IndexEntry{entry("a", "m/old", []float32{1, 0}, nil)}))
		_, err := s.Search(ctx, domain.SearchRequest{Collection: "leads", Vector: []float32{1, 0}, K: 2, ModelTag: "m/new"})
		assert.ErrorIs(t, err, domain.ErrIndexCorruption)
	})

	t.Run("Missing collection searches empty", func(t *testing.T) {
		srv := httptest.NewServer(newFake())
		defer srv.Close()
		s := NewStorage(Config{URL: srv.URL})

		res, err := s.Search(ctx, domain.SearchRequest{Collection: "none", Vector: []float32{1}, K: 2, ModelTag: "m"})
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("Delete, Stats and Clear", func(t *testing.T) {
		fake := newFake()
		srv := httptest.NewServer(fake)
		defer srv.Close()
		s := NewStorage(Config{URL: srv.URL})

		require.NoError(t, s.Upsert(ctx, "leads", []domain.IndexEntry{
			entry("a", "m/1", []float32{1, 0}, map[string]string{domain.MetaLeadStatus: "商談中"}),
			entry("b", "m/1", []float32{0, 1}, map[string]string{domain.MetaLeadStatus: "商談中"}),
			entry("c", "m/1", []float32{1, 1}, map[string]string{domain.MetaLeadStatus: "失注"}),
		}))
		require.NoError(t, s.Delete(ctx, "leads", []string{"c"}))

		stats, err := s.Stats(ctx, "leads", domain.MetaLeadStatus)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Count)
		assert.Equal(t, map[string]int{"商談中": 2}, stats.Distribution)

		require.NoError(t, s.Clear(ctx, "leads"))
		assert.NotContains(t, fake.aliases, "leads")
		stats, err = s.Stats(ctx, "leads", "")
		require.NoError(t, err)
		assert.Zero(t, stats.Count)
	})
}
