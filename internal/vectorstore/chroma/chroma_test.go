package chroma

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadrag/internal/domain"
	"leadrag/internal/logging"
)

// fakePhysical keeps collections and pointers in memory.
type fakePhysical struct {
	mu          sync.Mutex
	filled      map[string][]domain.IndexEntry
	pointers    map[string]string
	dropped     []string
	failFill    bool
	failPointer bool
	onFill      func()
}

func newFakePhysical() *fakePhysical {
	return &fakePhysical{filled: map[string][]domain.IndexEntry{}, pointers: map[string]string{}}
}

func (f *fakePhysical) fill(_ context.Context, name string, entries []domain.IndexEntry) error {
	if f.onFill != nil {
		f.onFill()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFill {
		return errors.New("fill failed")
	}
	f.filled[name] = entries
	return nil
}

func (f *fakePhysical) drop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, name)
	delete(f.filled, name)
	return nil
}

func (f *fakePhysical) loadPointer(_ context.Context, logical string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pointers[logical], nil
}

func (f *fakePhysical) storePointer(_ context.Context, logical, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPointer {
		return errors.New("pointer write failed")
	}
	f.pointers[logical] = name
	return nil
}

func TestStorage_Replace(t *testing.T) {
	ctx := context.Background()
	entries := []domain.IndexEntry{
		{Chunk: domain.Chunk{ID: "a", Text: "Acme"}, Vector: []float32{1, 0}, ModelTag: "m/1"},
	}
	newSwapStorage := func() (*Storage, *fakePhysical) {
		s := newStorage(nil, logging.Discard())
		f := newFakePhysical()
		s.phys = f
		return s, f
	}

	t.Run("Switches to a new version and drops the previous one", func(t *testing.T) {
		s, f := newSwapStorage()

		require.NoError(t, s.Replace(ctx, "leads", entries))
		first, err := s.resolve(ctx, "leads")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(first, "leads__v"), first)
		assert.Equal(t, first, f.pointers["leads"])
		assert.Equal(t, entries, f.filled[first])
		assert.Equal(t, []string{"leads"}, f.dropped)

		require.NoError(t, s.Replace(ctx, "leads", nil))
		second, err := s.resolve(ctx, "leads")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
		assert.Equal(t, []string{"leads", first}, f.dropped)
	})

	t.Run("Readers keep the previous version while the new one fills", func(t *testing.T) {
		s, f := newSwapStorage()
		require.NoError(t, s.Replace(ctx, "leads", entries))
		before, err := s.resolve(ctx, "leads")
		require.NoError(t, err)

		var during string
		f.onFill = func() { during, _ = s.resolve(ctx, "leads") }
		require.NoError(t, s.Replace(ctx, "leads", entries))

		assert.Equal(t, before, during)
		after, err := s.resolve(ctx, "leads")
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})

	t.Run("A failed fill keeps the active version", func(t *testing.T) {
		s, f := newSwapStorage()
		require.NoError(t, s.Replace(ctx, "leads", entries))
		before, _ := s.resolve(ctx, "leads")

		f.failFill = true
		require.Error(t, s.Replace(ctx, "leads", nil))
		after, _ := s.resolve(ctx, "leads")
		assert.Equal(t, before, after)
		assert.Contains(t, f.filled, before)
	})

	t.Run("A failed pointer write drops the new version", func(t *testing.T) {
		s, f := newSwapStorage()
		require.NoError(t, s.Replace(ctx, "leads", entries))
		before, _ := s.resolve(ctx, "leads")

		f.failPointer = true
		require.Error(t, s.Replace(ctx, "leads", entries))
		after, _ := s.resolve(ctx, "leads")
		assert.Equal(t, before, after)
		assert.Len(t, f.filled, 1)
		assert.Contains(t, f.filled, before)
	})

	t.Run("A recorded pointer is picked up on first use", func(t *testing.T) {
		s, f := newSwapStorage()
		f.pointers["leads"] = "leads__v42"
		name, err := s.resolve(ctx, "leads")
		require.NoError(t, err)
		assert.Equal(t, "leads__v42", name)
	})

	t.Run("Clear switches to an empty version", func(t *testing.T) {
		s, f := newSwapStorage()
		require.NoError(t, s.Replace(ctx, "leads", entries))
		require.NoError(t, s.Clear(ctx, "leads"))
		name, _ := s.resolve(ctx, "leads")
		assert.Empty(t, f.filled[name])
		assert.Len(t, f.filled, 1)
	})
}

func TestToWhere(t *testing.T) {
	assert.Nil(t, toWhere(nil))
	assert.NotNil(t, toWhere(domain.Filter{domain.MetaLeadStatus: "商談中"}))
	assert.NotNil(t, toWhere(domain.Filter{domain.MetaLeadStatus: "商談中", "model_tag": "m"}))
}

// Runs against a live server when CHROMA_URL is set, e.g. http://localhost:8000.
func TestStorage(t *testing.T) {
	url := os.Getenv("CHROMA_URL")
	if url == "" {
		t.Skip("CHROMA_URL not set")
	}
	ctx := context.Background()
	s, err := New(url, logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	collection := fmt.Sprintf("leadrag_test_%d", time.Now().UnixNano())
	defer s.Clear(ctx, collection)

	entries := []domain.IndexEntry{
		{Chunk: domain.Chunk{ID: "a", Text: "Acme"}, Vector: []float32{1, 0}, ModelTag: "m/1", Metadata: map[string]string{domain.MetaLeadStatus: "商談中"}},
		{Chunk: domain.Chunk{ID: "b", Text: "Globex"}, Vector: []float32{0, 1}, ModelTag: "m/1", Metadata: map[string]string{domain.MetaLeadStatus: "失注"}},
	}
	require.NoError(t, s.Upsert(ctx, collection, entries))

	res, err := s.Search(ctx, domain.SearchRequest{Collection: collection, Vector: []float32{1, 0.1}, K: 2, ModelTag: "m/1"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].Entry.Chunk.ID)
	assert.Equal(t, "Acme", res[0].Entry.Chunk.Text)

	require.NoError(t, s.Replace(ctx, collection, entries[1:]))
	found, err := s.Find(ctx, collection, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].Chunk.ID)

	_, err = s.Search(ctx, domain.SearchRequest{Collection: collection, Vector: []float32{1, 0}, K: 1, ModelTag: "m/2"})
	assert.ErrorIs(t, err, domain.ErrIndexCorruption)
}
