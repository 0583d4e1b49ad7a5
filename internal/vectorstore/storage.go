// Package vectorstore holds the ranking and payload helpers shared by the index backends.
package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"leadrag/internal/domain"
)

// Payload keys used by backends that store an entry as flat metadata.
const (
	KeyChunkID  = "chunk_id"
	KeyText     = "text"
	KeyOffset   = "offset"
	KeyLength   = "length"
	KeyIndex    = "index"
	KeyModelTag = "model_tag"
)

// UnknownValue is the distribution bucket for entries lacking the requested field.
const UnknownValue = "unknown"

// Cosine returns the cosine similarity of a and b, 0 when either has zero norm.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// IsZero reports whether v has no non-zero component.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// ValidateEntries rejects entries that could never be searched consistently.
func ValidateEntries(entries []domain.IndexEntry) error {
	dim := 0
	for i, e := range entries {
		if e.Chunk.ID == "" {
			return fmt.Errorf("%w: entry %d has no chunk id", domain.ErrInvalidInput, i)
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("%w: entry %s has no vector", domain.ErrInvalidInput, e.Chunk.ID)
		}
		if e.ModelTag == "" {
			return fmt.Errorf("%w: entry %s has no model tag", domain.ErrInvalidInput, e.Chunk.ID)
		}
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) != dim {
			return fmt.Errorf("%w: entry %s has dimension %d, batch has %d", domain.ErrInvalidInput, e.Chunk.ID, len(e.Vector), dim)
		}
	}
	return nil
}

// Rank scores entries against req in memory. Entries with a stale model tag are skipped;
// if the collection holds entries but none carry the active tag, or their dimension
// differs from the query, the index is reported as corrupt. Ties keep insertion order.
func Rank(entries []domain.IndexEntry, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if len(entries) == 0 || req.K <= 0 || IsZero(req.Vector) {
		return nil, nil
	}

	current := 0
	var results []domain.SearchResult
	for _, e := range entries {
		if req.ModelTag != "" && e.ModelTag != req.ModelTag {
			continue
		}
		current++
		if len(e.Vector) != len(req.Vector) {
			return nil, fmt.Errorf("%w: stored dimension %d, query dimension %d", domain.ErrIndexCorruption, len(e.Vector), len(req.Vector))
		}
		if !req.Filter.Matches(e.Metadata) {
			continue
		}
		results = append(results, domain.SearchResult{Entry: e, Score: Cosine(req.Vector, e.Vector)})
	}
	if current == 0 {
		return nil, fmt.Errorf("%w: no entries for model %s", domain.ErrIndexCorruption, req.ModelTag)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > req.K {
		results = results[:req.K]
	}
	return results, nil
}

// Distribution counts entries per value of the metadata field.
func Distribution(entries []domain.IndexEntry, field string) map[string]int {
	if field == "" {
		return nil
	}
	out := make(map[string]int)
	for _, e := range entries {
		v := e.Metadata[field]
		if v == "" {
			v = UnknownValue
		}
		out[v]++
	}
	return out
}

// ToPayload flattens an entry into string metadata, the shape remote backends persist.
func ToPayload(e domain.IndexEntry) map[string]string {
	p := make(map[string]string, len(e.Metadata)+8)
	for k, v := range e.Metadata {
		p[k] = v
	}
	p[KeyChunkID] = e.Chunk.ID
	p[domain.MetaDocumentID] = e.Chunk.DocumentID
	p[KeyOffset] = strconv.Itoa(e.Chunk.Offset)
	p[KeyLength] = strconv.Itoa(e.Chunk.Length)
	p[KeyIndex] = strconv.Itoa(e.Chunk.Index)
	p[KeyModelTag] = e.ModelTag
	if e.Chunk.RowID > 0 {
		p[domain.MetaRowID] = strconv.Itoa(e.Chunk.RowID)
	}
	if e.Chunk.CellAddress != "" {
		p[domain.MetaCell] = e.Chunk.CellAddress
	}
	return p
}

// FromPayload rebuilds an entry from what ToPayload produced plus the stored text and vector.
func FromPayload(text string, vector []float32, p map[string]string) domain.IndexEntry {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(p[k])
		return n
	}
	md := make(map[string]string, len(p))
	for k, v := range p {
		switch k {
		case KeyChunkID, KeyOffset, KeyLength, KeyIndex, KeyModelTag, KeyText:
			continue
		}
		md[k] = v
	}
	if text == "" {
		text = p[KeyText]
	}
	return domain.IndexEntry{
		Chunk: domain.Chunk{
			ID:          p[KeyChunkID],
			DocumentID:  p[domain.MetaDocumentID],
			Text:        text,
			Offset:      atoi(KeyOffset),
			Length:      atoi(KeyLength),
			Index:       atoi(KeyIndex),
			RowID:       atoi(domain.MetaRowID),
			CellAddress: p[domain.MetaCell],
		},
		Vector:   vector,
		ModelTag: p[KeyModelTag],
		Metadata: md,
	}
}
