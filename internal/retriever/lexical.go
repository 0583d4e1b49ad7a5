package retriever

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"leadrag/internal/domain"
)

var unicodeWordRe = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

// Lexical ranks entries by token overlap with the query (Ochiai coefficient) and returns up to
// k with a positive score. It serves questions the embedding cannot place, such as names that
// are missing from a corpus-fitted vocabulary.
func Lexical(query string, entries []domain.IndexEntry, k int) []domain.RetrievalResult {
	qset := toTokenSet(query)
	if len(qset) == 0 || k <= 0 {
		return nil
	}
	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, 0, len(entries))
	for i, e := range entries {
		if s := overlapOchiai(qset, e.Chunk.Text); s > 0 {
			scores = append(scores, pair{i, s})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	out := make([]domain.RetrievalResult, 0, min(k, len(scores)))
	seen := make(map[string]struct{}, k)
	for _, p := range scores {
		if len(out) == k {
			break
		}
		e := entries[p.idx]
		key := strings.TrimSpace(e.Chunk.Text)
		if rs := []rune(key); len(rs) > dedupeRunes {
			key = string(rs[:dedupeRunes])
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, domain.RetrievalResult{Entry: e, Score: p.score, Rank: len(out) + 1})
	}
	return out
}

// toTokenSet lowercases and splits text. Runs of Japanese script are split into character
// bigrams so that "Acmeの状況" still shares "acme" with a row.
func toTokenSet(s string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, tok := range unicodeWordRe.FindAllString(strings.ToLower(s), -1) {
		for _, part := range splitScripts(tok) {
			m[part] = struct{}{}
		}
	}
	return m
}

// splitScripts separates Latin/digit runs from Japanese runs and bigrams the latter.
func splitScripts(tok string) []string {
	var out []string
	var run []rune
	japanese := false
	flush := func() {
		if len(run) == 0 {
			return
		}
		if !japanese || len(run) == 1 {
			out = append(out, string(run))
		} else {
			for i := 0; i+1 < len(run); i++ {
				out = append(out, string(run[i:i+2]))
			}
		}
		run = run[:0]
	}
	for _, r := range tok {
		j := isJapanese(r)
		if len(run) > 0 && j != japanese {
			flush()
		}
		japanese = j
		run = append(run, r)
	}
	flush()
	return out
}

func isJapanese(r rune) bool {
	return (r >= 0x3040 && r <= 0x30FF) || (r >= 0x4E00 && r <= 0x9FFF)
}

func overlapOchiai(qset map[string]struct{}, text string) float64 {
	seen := toTokenSet(text)
	if len(qset) == 0 || len(seen) == 0 {
		return 0
	}
	inter := 0
	for t := range seen {
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	// Ochiai coefficient: |A∩B| / sqrt(|A||B|)
	return float64(inter) / math.Sqrt(float64(len(qset))*float64(len(seen)))
}
