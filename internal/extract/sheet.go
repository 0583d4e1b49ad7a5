package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/japanese"

	"leadrag/internal/cell"
	"leadrag/internal/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode strips a UTF-8 BOM and falls back to Shift_JIS for files that are not valid UTF-8.
func decode(data []byte) string {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data)
	}
	out, err := japanese.ShiftJIS.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func (e *Extractor) delimited(path, ext string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader([]byte(decode(data))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if ext == ".tsv" {
		r.Comma = '\t'
	} else if d, _ := utf8.DecodeRuneInString(e.opts.Delimiter); d != utf8.RuneError {
		r.Comma = d
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidInput, path, err)
	}
	docs := e.documents(table{path: path, rows: rows})
	e.logger.Info("extracted spreadsheet rows", "path", path, "rows", len(docs))
	return docs, nil
}

// workbook reads the first sheet of an .xlsx file. Merged ranges are expanded so every cell
// of a merged block carries the block's value.
func (e *Extractor) workbook(path string) ([]domain.Document, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook %s has no sheets", domain.ErrInvalidInput, path)
	}
	sheet := sheets[0]
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}

	merges, err := f.GetMergeCells(sheet)
	if err != nil {
		e.logger.Warn("could not read merged cells", "path", path, "sheet", sheet, "err", err)
	}
	for _, m := range merges {
		rows = expandMerge(rows, m.GetStartAxis(), m.GetEndAxis(), m.GetCellValue())
	}

	docs := e.documents(table{path: path, sheet: sheet, rows: rows})
	e.logger.Info("extracted spreadsheet rows", "path", path, "sheet", sheet, "rows", len(docs))
	return docs, nil
}

// expandMerge writes value into every cell between the start and end references.
func expandMerge(rows [][]string, start, end, value string) [][]string {
	a, err := cell.Parse(start)
	if err != nil {
		return rows
	}
	b, err := cell.Parse(end)
	if err != nil {
		return rows
	}
	for r := a.Row; r <= b.Row; r++ {
		for len(rows) < r {
			rows = append(rows, nil)
		}
		for c := a.Column; c <= b.Column; c++ {
			for len(rows[r-1]) < c {
				rows[r-1] = append(rows[r-1], "")
			}
			rows[r-1][c-1] = value
		}
	}
	return rows
}
