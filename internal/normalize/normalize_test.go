package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	t.Run("Folds width and hiragana", func(t *testing.T) {
		assert.Equal(t, "ABC123", Name("ＡＢＣ１２３"))
		assert.Equal(t, "アクメ", Name("あくめ"))
		assert.Equal(t, "アクメ", Name("ｱｸﾒ"))
	})

	t.Run("Drops spaces but keeps entity tokens", func(t *testing.T) {
		assert.Equal(t, "株式会社アクメ", Name(" 株式会社　アクメ "))
		assert.Equal(t, "(株)アクメ", Name("㈱アクメ"))
	})
}

func TestStripCorp(t *testing.T) {
	assert.Equal(t, "アクメ", StripCorp("株式会社アクメ"))
	assert.Equal(t, "アクメ", StripCorp("アクメ(株)"))
	assert.Equal(t, "アクメ", StripCorp("一般社団法人アクメ"))
	assert.Equal(t, "アクメ商事", StripCorp("アクメ商事"))
}

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"Entity token position", "株式会社アクメ", "アクメ株式会社"},
		{"Abbreviated entity token", "㈱アクメ", "アクメ"},
		{"Hiragana and katakana", "あくめ・ホールディングス", "アクメホールディングス"},
		{"Latin case and width", "ＡＣＭＥ Corp.", "acme corp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Key(tt.a), Key(tt.b))
			assert.True(t, Same(tt.a, tt.b))
		})
	}

	t.Run("A bare entity token keys to itself", func(t *testing.T) {
		assert.Equal(t, "株式会社", Key("株式会社"))
	})

	t.Run("Empty names never match", func(t *testing.T) {
		assert.False(t, Same("", " "))
	})
}

func TestVariants(t *testing.T) {
	v := Variants("株式会社あくめ")

	assert.Equal(t, "株式会社アクメ", v[0])
	assert.Contains(t, v, "アクメ")
	assert.Contains(t, v, "アクメ(株)")
	assert.Contains(t, v, "(有)アクメ")
	assert.Len(t, v, 10)
	assert.Nil(t, Variants(""))
}
