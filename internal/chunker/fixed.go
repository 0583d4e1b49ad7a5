package chunker

import (
	"fmt"

	"leadrag/internal/domain"
)

// FixedChunker splits text into windows of size runes, consecutive windows sharing overlap runes.
type FixedChunker struct {
	size    int
	overlap int
}

// NewFixedChunker validates 0 <= overlap < size.
func NewFixedChunker(size, overlap int) (*FixedChunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be > 0, got %d", domain.ErrInvalidInput, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap must be >= 0 and < chunk size, got %d", domain.ErrInvalidInput, overlap)
	}
	return &FixedChunker{size: size, overlap: overlap}, nil
}

// Chunk splits document content. Empty content yields no chunks; any other content of at most
// size runes, whitespace included, yields exactly one. For longer content the count is
// ceil((L-overlap)/(size-overlap)).
func (c *FixedChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	if document.Content == "" {
		return nil, nil
	}
	runes := []rune(document.Content)
	step := c.size - c.overlap

	var chunks []domain.Chunk
	for start := 0; ; start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, newChunk(document, string(runes[start:end]), start, end-start, len(chunks)))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

func newChunk(document domain.Document, text string, offset, length, index int) domain.Chunk {
	return domain.Chunk{
		ID:          domain.ChunkID(document.ID, offset),
		DocumentID:  document.ID,
		Text:        text,
		Offset:      offset,
		Length:      length,
		Index:       index,
		RowID:       document.Row,
		CellAddress: document.Cell,
	}
}
