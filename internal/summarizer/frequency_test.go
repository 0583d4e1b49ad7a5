package summarizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrequencySummarizer_Summarize(t *testing.T) {
	s := NewFrequencySummarizer()

	t.Run("Keeps the most representative sentences in order", func(t *testing.T) {
		text := "Acme buys widgets. The weather is nice. Acme resells widgets to Beta. Lunch was late."
		got := s.Summarize(text, 2)
		assert.Equal(t, "Acme buys widgets. Acme resells widgets to Beta.", got)
	})

	t.Run("Splits Japanese sentences", func(t *testing.T) {
		text := "アクメは商談中です。天気は晴れ。アクメと再度商談します。"
		got := s.Summarize(text, 2)
		assert.Equal(t, "アクメは商談中です。 アクメと再度商談します。", got)
	})

	t.Run("Returns everything when asked for more sentences than exist", func(t *testing.T) {
		assert.Equal(t, "One. Two.", s.Summarize("One.\nTwo.", 5))
	})

	t.Run("Empty text stays empty", func(t *testing.T) {
		assert.Equal(t, "", s.Summarize("  ", 3))
	})
}
