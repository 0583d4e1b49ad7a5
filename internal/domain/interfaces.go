package domain

import (
	"context"
	"strconv"
)

// SourceType tags the origin of a document so ingestion can dispatch on it.
type SourceType string

const (
	SourceText           SourceType = "text"
	SourcePDF            SourceType = "pdf"
	SourceSpreadsheetRow SourceType = "spreadsheet-row"
)

// Metadata keys shared by ingestion, the index backends and the synthesizer.
const (
	MetaSource      = "source"
	MetaSourceType  = "source_type"
	MetaDocumentID  = "document_id"
	MetaLeadStatus  = "lead_status"
	MetaCompany     = "company"
	MetaCompanyNorm = "company_norm"
	MetaRowID       = "row_id"
	MetaCell        = "cell"
	MetaSheet       = "sheet"
	MetaURLDomain   = "url_domain"
)

// Document is a single unit of ingested content: a text file, a PDF or one spreadsheet row.
type Document struct {
	ID         string
	SourceType SourceType
	Source     string
	Path       string
	Content    string
	Metadata   map[string]string
	// Row and Cell are set for spreadsheet rows only.
	Row  int
	Cell string
}

// Chunk is a contiguous slice of a document's content, the unit of embedding and retrieval.
// Offset and Length are measured in runes.
type Chunk struct {
	ID          string
	DocumentID  string
	Text        string
	Offset      int
	Length      int
	Index       int
	RowID       int
	CellAddress string
}

// ChunkID derives the stable identifier of a chunk from its document and offset.
func ChunkID(documentID string, offset int) string {
	return documentID + ":" + strconv.Itoa(offset)
}

// IndexEntry is what a vector store holds for every chunk.
type IndexEntry struct {
	Chunk    Chunk
	Vector   []float32
	ModelTag string
	Metadata map[string]string
}

// Filter restricts search candidates by metadata equality.
type Filter map[string]string

// Matches reports whether every filter key is present in md with the same value.
func (f Filter) Matches(md map[string]string) bool {
	for k, v := range f {
		if md[k] != v {
			return false
		}
	}
	return true
}

// SearchRequest describes a nearest-neighbour query against one collection.
type SearchRequest struct {
	Collection string
	Vector     []float32
	K          int
	Filter     Filter
	ModelTag   string
}

// SearchResult represents a matching entry with its cosine similarity.
type SearchResult struct {
	Entry IndexEntry
	Score float64
}

// RetrievalResult is a search result after thresholding and MMR, with its final rank (1-based).
type RetrievalResult struct {
	Entry IndexEntry
	Score float64
	Rank  int
}

// IndexStats summarises a collection.
type IndexStats struct {
	Count        int
	Distribution map[string]int
}

// Embedder converts free text into a numeric vector representation.
type Embedder interface {
	Name() string
	Model() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Fitter is implemented by embedders that must be fitted on the corpus before use.
// Fit returns a new fitted embedder and leaves the receiver untouched.
type Fitter interface {
	Fit(corpus []string) (Embedder, error)
}

// Snapshotter is implemented by embedders whose model is swapped while in use.
type Snapshotter interface {
	Snapshot() Embedder
}

// Current resolves e to the embedder in effect. A vector and its model tag must come from the
// same snapshot.
func Current(e Embedder) Embedder {
	if s, ok := e.(Snapshotter); ok {
		return s.Snapshot()
	}
	return e
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// VectorStore persists index entries per collection and supports similarity search.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, entries []IndexEntry) error
	// Replace swaps the whole collection for entries in one step.
	Replace(ctx context.Context, collection string, entries []IndexEntry) error
	Delete(ctx context.Context, collection string, ids []string) error
	Find(ctx context.Context, collection string, filter Filter) ([]IndexEntry, error)
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
	Clear(ctx context.Context, collection string) error
	Stats(ctx context.Context, collection string, field string) (IndexStats, error)
}

// ChatMessage is a single turn sent to a chat provider.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatOptions tunes a chat completion.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
}

// ChatProvider produces a completion for a conversation.
type ChatProvider interface {
	Name() string
	Model() string
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error)
}

// ModelTag is the provider+model identity stamped on every stored vector.
func ModelTag(e Embedder) string {
	return e.Name() + "/" + e.Model()
}
