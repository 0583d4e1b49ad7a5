// Package normalize folds company names so that spelling variants compare equal.
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// corpTokens are legal-entity markers removed from either end of a name.
var corpTokens = []string{
	"株式会社", "(株)", "有限会社", "(有)",
	"合同会社", "合資会社", "合名会社",
	"一般社団法人", "公益社団法人", "一般財団法人", "公益財団法人",
	"特定非営利活動法人", "NPO法人", "学校法人", "社会福祉法人",
}

var symbolFolder = strings.NewReplacer(
	" ", "", "　", "",
	"-", "ー", "‐", "ー", "−", "ー", "ｰ", "ー",
	"・", "", "(", "", ")", "",
	".", "", ",", "",
	"[", "", "]", "",
	"「", "", "」", "", "『", "", "』", "",
)

// Name applies NFKC, turns hiragana into katakana and drops spaces. Legal-entity tokens are kept.
func Name(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 'ぁ' && r <= 'ゖ' {
			r += 0x60
		}
		if r == ' ' || r == '　' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// StripCorp removes legal-entity tokens from the start and end of an already normalized name.
func StripCorp(s string) string {
	for _, tok := range corpTokens {
		s = strings.TrimSpace(strings.TrimPrefix(s, tok))
		s = strings.TrimSpace(strings.TrimSuffix(s, tok))
	}
	return s
}

// Key is the comparison form of a company name: normalized, without legal-entity tokens or
// punctuation, case folded. It is stored as company_norm and used for company filters.
func Key(s string) string {
	n := Name(s)
	core := StripCorp(n)
	if core == "" {
		core = n
	}
	return cases.Fold().String(symbolFolder.Replace(core))
}

// Variants lists the spellings a name may appear under, starting with the normalized name.
func Variants(s string) []string {
	n := Name(s)
	if n == "" {
		return nil
	}
	core := StripCorp(n)
	if core == "" {
		core = n
	}
	candidates := []string{
		n, core,
		core + "株式会社", core + "(株)", core + "有限会社", core + "(有)", core + "合同会社",
		"株式会社" + core, "(株)" + core, "有限会社" + core, "(有)" + core,
	}
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Same reports whether two names refer to the same company after folding.
func Same(a, b string) bool {
	ka, kb := Key(a), Key(b)
	return ka != "" && ka == kb
}
