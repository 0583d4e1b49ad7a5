package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"leadrag/internal/domain"
)

// RecursiveChunker splits on paragraph, line and sentence boundaries before falling back to
// characters, then recovers each piece's rune offset in the source text.
type RecursiveChunker struct {
	splitter textsplitter.RecursiveCharacter
}

// DefaultSeparators prefers paragraph and line breaks, then Japanese and Latin punctuation.
var DefaultSeparators = []string{"\n\n", "\n", "。", "、", ". ", " ", ""}

// NewRecursiveChunker validates 0 <= overlap < size.
func NewRecursiveChunker(size, overlap int) (*RecursiveChunker, error) {
	if _, err := NewFixedChunker(size, overlap); err != nil {
		return nil, err
	}
	s := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(DefaultSeparators),
	)
	return &RecursiveChunker{splitter: s}, nil
}

// Chunk splits document content; pieces keep their position in the original text.
func (c *RecursiveChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	if strings.TrimSpace(document.Content) == "" {
		return nil, nil
	}
	pieces, err := c.splitter.SplitText(document.Content)
	if err != nil {
		return nil, err
	}

	content := document.Content
	chunks := make([]domain.Chunk, 0, len(pieces))
	byteCursor, runeCursor := 0, 0
	for _, p := range pieces {
		if strings.TrimSpace(p) == "" {
			continue
		}
		offset := runeCursor
		if i := strings.Index(content[byteCursor:], p); i >= 0 {
			found := byteCursor + i
			offset = runeCursor + utf8.RuneCountInString(content[byteCursor:found])
			// The next piece may overlap this one, so only advance past its first rune.
			_, size := utf8.DecodeRuneInString(content[found:])
			byteCursor = found + size
			runeCursor = offset + 1
		}
		chunks = append(chunks, newChunk(document, p, offset, utf8.RuneCountInString(p), len(chunks)))
	}
	return chunks, nil
}
