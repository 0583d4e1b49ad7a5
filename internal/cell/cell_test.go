package cell

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	t.Run("Formats known addresses", func(t *testing.T) {
		cases := []struct {
			row, col int
			want     string
		}{
			{2, 1, "A2"},
			{10, 27, "AA10"},
			{100, 702, "ZZ100"},
			{1, 26, "Z1"},
			{7, 703, "AAA7"},
		}
		for _, c := range cases {
			got, err := Format(c.row, c.col)
			require.NoError(t, err)
			assert.Equal(t, c.want, got, "row=%d col=%d", c.row, c.col)
		}
	})

	t.Run("Rejects non-positive row and column", func(t *testing.T) {
		_, err := Format(0, 1)
		var rowErr *InvalidRowError
		assert.True(t, errors.As(err, &rowErr), "expected InvalidRowError, got %v", err)

		_, err = Format(1, 0)
		var refErr *InvalidReferenceError
		assert.True(t, errors.As(err, &refErr), "expected InvalidReferenceError, got %v", err)
	})
}

func TestParse(t *testing.T) {
	t.Run("Normalizes case and whitespace", func(t *testing.T) {
		a, err := Parse("  aa10 ")
		require.NoError(t, err)
		assert.Equal(t, 10, a.Row)
		assert.Equal(t, 27, a.Column)
		assert.Equal(t, "AA10", a.String())
	})

	t.Run("Round-trips every row and column in range", func(t *testing.T) {
		for row := 1; row <= 10000; row += 37 {
			for col := 1; col <= 702; col++ {
				s, err := Format(row, col)
				require.NoError(t, err)
				a, err := Parse(s)
				require.NoError(t, err)
				require.Equal(t, row, a.Row)
				require.Equal(t, col, a.Column)
				require.Equal(t, s, a.Address)
			}
		}
	})

	t.Run("Rejects malformed references", func(t *testing.T) {
		for _, ref := range []string{"2A", "", "   ", "A", "12", "A-1", "A1B", "Ä1", "A 1", "A02"} {
			_, err := Parse(ref)
			var refErr *InvalidReferenceError
			assert.True(t, errors.As(err, &refErr), "ref %q: expected InvalidReferenceError, got %v", ref, err)
			assert.False(t, IsValid(ref))
		}
	})

	t.Run("Rejects row zero with a row error", func(t *testing.T) {
		for _, ref := range []string{"A0", "b00"} {
			_, err := Parse(ref)
			var rowErr *InvalidRowError
			assert.True(t, errors.As(err, &rowErr), "ref %q: expected InvalidRowError, got %v", ref, err)
		}
	})

	t.Run("Exposes row and column helpers", func(t *testing.T) {
		row, err := ParseRow("ZZ100")
		require.NoError(t, err)
		assert.Equal(t, 100, row)

		col, err := ParseColumn("ZZ100")
		require.NoError(t, err)
		assert.Equal(t, 702, col)
	})
}

func TestColumnIndex(t *testing.T) {
	t.Run("Decodes bijective base-26", func(t *testing.T) {
		for letters, want := range map[string]int{"A": 1, "Z": 26, "AA": 27, "AZ": 52, "BA": 53, "ZZ": 702, "aaa": 703} {
			got, err := ColumnIndex(letters)
			require.NoError(t, err)
			assert.Equal(t, want, got, letters)
		}
	})

	t.Run("Rejects digits and empty input", func(t *testing.T) {
		_, err := ColumnIndex("")
		assert.Error(t, err)
		_, err = ColumnIndex("A1")
		assert.Error(t, err)
	})
}
