// Package extract turns files on disk into domain documents: one per text or PDF file and one
// per spreadsheet row.
package extract

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	"leadrag/internal/domain"
)

// AllowedExtensions are the file types accepted for upload and ingestion.
var AllowedExtensions = []string{".pdf", ".md", ".markdown", ".txt", ".csv", ".tsv", ".xlsx"}

// Allowed reports whether a file name has an accepted extension.
func Allowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

var licenseOnce sync.Once

// SetPDFLicense installs the metered UniPDF key. Only the first call has an effect.
func SetPDFLicense(key string) error {
	var err error
	licenseOnce.Do(func() {
		if key != "" {
			err = license.SetMeteredKey(key)
		}
	})
	return err
}

// Extractor reads the supported file types.
type Extractor struct {
	opts   SpreadsheetOptions
	logger *slog.Logger
}

func New(opts SpreadsheetOptions, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{opts: opts.withDefaults(), logger: logger}
}

// File dispatches on the extension. Unsupported types fail with ErrInvalidInput.
func (e *Extractor) File(ctx context.Context, path string) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md", ".markdown":
		return e.text(path)
	case ".pdf":
		return e.pdf(path)
	case ".csv", ".tsv":
		return e.delimited(path, ext)
	case ".xlsx":
		return e.workbook(path)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", domain.ErrInvalidInput, ext)
	}
}

// Files expands globs and directories, extracting every allowed file. A file that cannot be
// read is logged and skipped so one bad upload does not block the rest.
func (e *Extractor) Files(ctx context.Context, paths []string) ([]domain.Document, error) {
	var docs []domain.Document
	for _, path := range Expand(paths) {
		d, err := e.File(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("skipping unreadable file", "path", path, "err", err)
			continue
		}
		docs = append(docs, d...)
	}
	return docs, nil
}

// Expand resolves globs and walks directories, keeping allowed files in a stable order.
func Expand(paths []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if Allowed(p) && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if !info.IsDir() {
				add(m)
				continue
			}
			_ = filepath.WalkDir(m, func(path string, d os.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					add(path)
				}
				return nil
			})
		}
	}
	return out
}

// DocumentID derives a stable id from the file path, suffixed with the row for spreadsheet rows.
func DocumentID(path string, row int) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	h := sha1.Sum([]byte(path))
	id := hex.EncodeToString(h[:8])
	if row > 0 {
		id += "#" + strconv.Itoa(row)
	}
	return id
}

func (e *Extractor) text(path string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []domain.Document{fileDocument(path, domain.SourceText, decode(data))}, nil
}

func (e *Extractor) pdf(path string) ([]domain.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := model.NewPdfReader(f)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	pages, err := reader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("count pdf pages %s: %w", path, err)
	}

	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page, err := reader.GetPage(i)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return []domain.Document{fileDocument(path, domain.SourcePDF, sb.String())}, nil
}

func fileDocument(path string, kind domain.SourceType, content string) domain.Document {
	id := DocumentID(path, 0)
	source := filepath.Base(path)
	return domain.Document{
		ID:         id,
		SourceType: kind,
		Source:     source,
		Path:       path,
		Content:    content,
		Metadata: map[string]string{
			domain.MetaSource:     source,
			domain.MetaSourceType: string(kind),
			domain.MetaDocumentID: id,
		},
	}
}
