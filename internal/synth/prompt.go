package synth

import (
	"fmt"
	"strings"

	"leadrag/internal/domain"
)

const systemPrompt = `あなたは営業支援アシスタントです。与えられた【企業データベース情報】だけを根拠に回答してください。
情報にないことは推測せず、分からない場合はその旨を答えてください。
回答は次の形式の JSON オブジェクトのみで返してください:
{"answer": "回答本文", "items": [{"company": "企業名", "lead_status": "リードステータス", "source_id": "根拠となった情報の source_id"}]}
質問が企業の一覧や状況を求めていない場合、items は空配列にしてください。`

// priorityFields are shown first when a spreadsheet row is rendered for the prompt.
var priorityFields = []string{"企業名", "会社名", "代表電話", "直通番号", "従業員数", "リードステータス", "架電者", "架電ログ", "社内メモ"}

func buildPrompt(query string, shown []excerpt) string {
	var b strings.Builder
	b.WriteString("【営業支援クエリ】\n")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\n【企業データベース情報】\n")
	for i, e := range shown {
		entry := e.result.Entry
		text := e.text
		if entry.Metadata[domain.MetaSourceType] == string(domain.SourceSpreadsheetRow) {
			text = structureRow(text)
		}
		fmt.Fprintf(&b, "\n%d. source_id=%s\n%s\n   [情報源: %s]\n", i+1, entry.Chunk.ID, text, sourceLabel(entry))
	}
	b.WriteString("\n【指示】\n上記の情報のみを使い、質問に最も関連する企業情報を整理して答えてください。")
	return b.String()
}

// structureRow reorders "col: value | col: value" so the sales-relevant fields come first.
func structureRow(text string) string {
	type field struct{ key, value string }
	var fields []field
	for _, part := range strings.Split(text, "|") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if value == "" || value == "nan" {
			continue
		}
		fields = append(fields, field{key, value})
	}
	if len(fields) == 0 {
		return text
	}
	out := make([]string, 0, len(fields))
	used := make([]bool, len(fields))
	for _, p := range priorityFields {
		for i, f := range fields {
			if !used[i] && f.key == p {
				used[i] = true
				out = append(out, f.key+": "+f.value)
			}
		}
	}
	for i, f := range fields {
		if !used[i] {
			out = append(out, f.key+": "+f.value)
		}
	}
	return strings.Join(out, " | ")
}
