package extract

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"leadrag/internal/cell"
	"leadrag/internal/domain"
	"leadrag/internal/normalize"
)

// UnsetStatus is recorded for rows whose lead status cell is blank.
const UnsetStatus = "未設定"

var (
	companyHeaders = []string{"企業名", "会社名", "company", "company_name"}
	statusHeaders  = []string{"リードステータス", "ステータス", "lead_status"}
	urlPattern     = regexp.MustCompile(`(?i)https?://[^\s|]+`)
)

// defaultStatusColumn is column G, where lead sheets keep the status when the header is missing.
const defaultStatusColumn = 6

// SpreadsheetOptions controls how tabular rows become documents.
type SpreadsheetOptions struct {
	// TextColumns limits the rendered content to these headers; empty means every column.
	TextColumns []string
	Delimiter   string
	// CompanyColumn and LeadStatusColumn override header detection.
	CompanyColumn    string
	LeadStatusColumn string
	// MergedColumns is an inclusive span such as "H:L" whose blank cells inherit from the left.
	MergedColumns string
}

func (o SpreadsheetOptions) withDefaults() SpreadsheetOptions {
	if o.Delimiter == "" {
		o.Delimiter = ","
	}
	return o
}

// mergedSpan returns the zero-based inclusive column range of MergedColumns, or ok=false.
func (o SpreadsheetOptions) mergedSpan() (from, to int, ok bool) {
	left, right, found := strings.Cut(o.MergedColumns, ":")
	if !found {
		return 0, 0, false
	}
	a, err := cell.ColumnIndex(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, false
	}
	b, err := cell.ColumnIndex(strings.TrimSpace(right))
	if err != nil || b < a {
		return 0, 0, false
	}
	return a - 1, b - 1, true
}

// table is a decoded sheet: the header row and the data rows below it.
type table struct {
	path  string
	sheet string
	rows  [][]string
}

// Headers names every column, using 列<letter> for blank header cells.
func Headers(raw []string, width int) []string {
	headers := make([]string, width)
	for i := range headers {
		if i < len(raw) {
			headers[i] = strings.TrimSpace(raw[i])
		}
		if headers[i] == "" {
			letters, _ := cell.ColumnName(i + 1)
			headers[i] = "列" + letters
		}
	}
	return headers
}

// documents renders each data row as one spreadsheet-row document. Row numbers follow the
// sheet: the header is row 1 and data starts at row 2.
func (e *Extractor) documents(t table) []domain.Document {
	if len(t.rows) < 2 {
		return nil
	}
	width := 0
	for _, r := range t.rows {
		width = max(width, len(r))
	}
	headers := Headers(t.rows[0], width)
	companyCol := findColumn(headers, e.opts.CompanyColumn, companyHeaders, 0)
	statusCol := findColumn(headers, e.opts.LeadStatusColumn, statusHeaders, defaultStatusColumn)
	textCols := e.textColumns(headers)
	from, to, merged := e.opts.mergedSpan()

	source := filepath.Base(t.path)
	var docs []domain.Document
	for i, raw := range t.rows[1:] {
		rowNum := i + 2
		row := make([]string, width)
		for j := range row {
			if j < len(raw) {
				row[j] = strings.TrimSpace(raw[j])
			}
		}
		if blank(row) {
			continue
		}
		if merged {
			fillMerged(row, from, to)
		}

		company, companyHeader := "", ""
		if companyCol >= 0 {
			company, companyHeader = row[companyCol], headers[companyCol]
		}
		urlDomain := domainOf(firstURL(row))
		if isMissing(company) || company == companyHeader {
			company = aliasFromDomain(urlDomain)
			if company == "" {
				e.logger.Debug("skipping row without company or url", "source", source, "row", rowNum)
				continue
			}
		}
		company = normalize.Name(company)

		status := ""
		if statusCol >= 0 {
			status = row[statusCol]
		}
		if isMissing(status) {
			status = UnsetStatus
		}

		addr, _ := cell.Format(rowNum, max(companyCol, 0)+1)
		id := DocumentID(t.path+"#"+t.sheet, rowNum)
		label := fmt.Sprintf("%s#row%d", source, rowNum)
		md := map[string]string{
			domain.MetaSource:      label,
			domain.MetaSourceType:  string(domain.SourceSpreadsheetRow),
			domain.MetaDocumentID:  id,
			domain.MetaCompany:     company,
			domain.MetaCompanyNorm: normalize.Key(company),
			domain.MetaLeadStatus:  status,
			domain.MetaRowID:       strconv.Itoa(rowNum),
			domain.MetaCell:        addr,
		}
		if t.sheet != "" {
			md[domain.MetaSheet] = t.sheet
		}
		if urlDomain != "" {
			md[domain.MetaURLDomain] = urlDomain
		}
		docs = append(docs, domain.Document{
			ID:         id,
			SourceType: domain.SourceSpreadsheetRow,
			Source:     label,
			Path:       t.path,
			Content:    render(headers, row, textCols),
			Metadata:   md,
			Row:        rowNum,
			Cell:       addr,
		})
	}
	return docs
}

// findColumn prefers the configured header (name or column letters), then the known header
// names, then fallback when it exists.
func findColumn(headers []string, configured string, known []string, fallback int) int {
	if configured != "" {
		for i, h := range headers {
			if h == configured {
				return i
			}
		}
		if idx, err := cell.ColumnIndex(configured); err == nil && idx <= len(headers) {
			return idx - 1
		}
	}
	for _, k := range known {
		for i, h := range headers {
			if strings.EqualFold(h, k) {
				return i
			}
		}
	}
	if fallback < len(headers) {
		return fallback
	}
	return -1
}

func (e *Extractor) textColumns(headers []string) []int {
	var cols []int
	for _, want := range e.opts.TextColumns {
		for i, h := range headers {
			if h == want {
				cols = append(cols, i)
			}
		}
	}
	if len(cols) > 0 {
		return cols
	}
	cols = make([]int, len(headers))
	for i := range cols {
		cols[i] = i
	}
	return cols
}

// render joins the non-empty cells as "header: value | header: value".
func render(headers, row []string, cols []int) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if v := row[c]; !isMissing(v) {
			parts = append(parts, headers[c]+": "+v)
		}
	}
	return strings.Join(parts, " | ")
}

// fillMerged copies a value rightwards into blank cells while both cells are inside [from, to].
func fillMerged(row []string, from, to int) {
	for i := max(from+1, 1); i <= to && i < len(row); i++ {
		if row[i] == "" && row[i-1] != "" {
			row[i] = row[i-1]
		}
	}
}

func firstURL(row []string) string {
	for _, v := range row {
		if m := urlPattern.FindString(v); m != "" {
			return m
		}
	}
	return ""
}

func domainOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// aliasFromDomain uses the first label of the host, e.g. acme-corp.co.jp becomes acmecorp.
func aliasFromDomain(host string) string {
	label, _, _ := strings.Cut(host, ".")
	return strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(label))
}

func isMissing(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "nan", "none":
		return true
	}
	return false
}

func blank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}
