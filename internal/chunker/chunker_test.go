package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadrag/internal/domain"
)

func TestNewFixedChunker(t *testing.T) {
	t.Run("Rejects overlap equal to size", func(t *testing.T) {
		_, err := NewFixedChunker(10, 10)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("Rejects non-positive size", func(t *testing.T) {
		_, err := NewFixedChunker(0, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("Rejects negative overlap", func(t *testing.T) {
		_, err := NewFixedChunker(10, -1)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestFixedChunker_Chunk(t *testing.T) {
	t.Run("Empty content yields no chunks", func(t *testing.T) {
		c, err := NewFixedChunker(10, 2)
		require.NoError(t, err)

		chunks, err := c.Chunk(domain.Document{ID: "doc", Content: ""})
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("Whitespace-only content is covered by one chunk", func(t *testing.T) {
		c, err := NewFixedChunker(10, 2)
		require.NoError(t, err)

		chunks, err := c.Chunk(domain.Document{ID: "doc", Content: "  \n\t"})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "  \n\t", chunks[0].Text)
		assert.Equal(t, 0, chunks[0].Offset)
		assert.Equal(t, 4, chunks[0].Length)
	})

	t.Run("Short content yields one chunk", func(t *testing.T) {
		c, err := NewFixedChunker(10, 2)
		require.NoError(t, err)

		chunks, err := c.Chunk(domain.Document{ID: "doc", Content: "hello"})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "hello", chunks[0].Text)
		assert.Equal(t, "doc:0", chunks[0].ID)
		assert.Equal(t, 0, chunks[0].Offset)
		assert.Equal(t, 5, chunks[0].Length)
	})

	t.Run("Chunk count follows the window formula", func(t *testing.T) {
		cases := []struct{ length, size, overlap int }{
			{100, 10, 0},
			{101, 10, 0},
			{100, 10, 3},
			{25, 10, 5},
			{800, 800, 100},
			{1601, 800, 100},
		}
		for _, tc := range cases {
			c, err := NewFixedChunker(tc.size, tc.overlap)
			require.NoError(t, err)

			chunks, err := c.Chunk(domain.Document{ID: "d", Content: strings.Repeat("x", tc.length)})
			require.NoError(t, err)

			want := 1
			if tc.length > tc.size {
				step := tc.size - tc.overlap
				want = (tc.length - tc.overlap + step - 1) / step
			}
			assert.Len(t, chunks, want, "length=%d size=%d overlap=%d", tc.length, tc.size, tc.overlap)
		}
	})

	t.Run("Chunks cover the content and overlap by the configured amount", func(t *testing.T) {
		content := "リードステータス: 商談中。Acme Corp は東京に本社を置く製造業の企業です。"
		c, err := NewFixedChunker(8, 3)
		require.NoError(t, err)

		chunks, err := c.Chunk(domain.Document{ID: "d", Content: content})
		require.NoError(t, err)
		require.NotEmpty(t, chunks)

		runes := []rune(content)
		for i, ch := range chunks {
			assert.Equal(t, i, ch.Index)
			assert.Equal(t, string(runes[ch.Offset:ch.Offset+ch.Length]), ch.Text)
			assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), 8)
			if i > 0 {
				assert.Equal(t, chunks[i-1].Offset+5, ch.Offset)
			}
		}
		last := chunks[len(chunks)-1]
		assert.Equal(t, len(runes), last.Offset+last.Length)
	})

	t.Run("Chunks carry row provenance", func(t *testing.T) {
		c, err := NewFixedChunker(4, 1)
		require.NoError(t, err)

		doc := domain.Document{ID: "leads.xlsx#3", Content: "Acme Corp", Row: 3, Cell: "A3"}
		chunks, err := c.Chunk(doc)
		require.NoError(t, err)
		for _, ch := range chunks {
			assert.Equal(t, 3, ch.RowID)
			assert.Equal(t, "A3", ch.CellAddress)
			assert.Equal(t, "leads.xlsx#3", ch.DocumentID)
		}
	})

	t.Run("Identical content yields identical IDs", func(t *testing.T) {
		c, err := NewFixedChunker(5, 1)
		require.NoError(t, err)
		doc := domain.Document{ID: "d", Content: "abcdefghijklmnop"}

		first, err := c.Chunk(doc)
		require.NoError(t, err)
		second, err := c.Chunk(doc)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestRecursiveChunker_Chunk(t *testing.T) {
	t.Run("Splits on paragraphs and recovers offsets", func(t *testing.T) {
		content := "First paragraph about Acme.\n\nSecond paragraph about Globex.\n\nThird paragraph about Initech."
		c, err := NewRecursiveChunker(35, 0)
		require.NoError(t, err)

		chunks, err := c.Chunk(domain.Document{ID: "notes.md", Content: content})
		require.NoError(t, err)
		require.Len(t, chunks, 3)

		runes := []rune(content)
		for _, ch := range chunks {
			assert.Equal(t, ch.Text, string(runes[ch.Offset:ch.Offset+ch.Length]))
			assert.Equal(t, domain.ChunkID("notes.md", ch.Offset), ch.ID)
		}
		assert.Equal(t, "Second paragraph about Globex.", chunks[1].Text)
	})

	t.Run("Blank content yields no chunks", func(t *testing.T) {
		c, err := NewRecursiveChunker(35, 5)
		require.NoError(t, err)

		chunks, err := c.Chunk(domain.Document{ID: "d", Content: "\n\n"})
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("Rejects invalid sizes", func(t *testing.T) {
		_, err := NewRecursiveChunker(10, 20)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}
