// Package service is the application facade used by the HTTP server and the TUI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"leadrag/internal/cell"
	"leadrag/internal/domain"
	"leadrag/internal/extract"
	"leadrag/internal/ingest"
	"leadrag/internal/normalize"
	"leadrag/internal/retriever"
	"leadrag/internal/summarizer"
	"leadrag/internal/synth"
)

const topCompanies = 10

// SearchParameters are the retrieval knobs in effect.
type SearchParameters struct {
	TopK           int     `json:"top_k"`
	FinalK         int     `json:"final_k"`
	ScoreThreshold float64 `json:"score_threshold"`
	MMRLambda      float64 `json:"mmr_lambda"`
}

// Settings holds the non-component configuration of the service.
type Settings struct {
	Collection      string
	DataDir         string
	Search          SearchParameters
	LexicalFallback bool
	QueryTimeout    time.Duration
}

// AskRequest is a question with optional row, status and company filters.
type AskRequest struct {
	Query      string `json:"query"`
	RowID      int    `json:"row_id,omitempty"`
	LeadStatus string `json:"lead_status,omitempty"`
	Company    string `json:"company,omitempty"`
}

// IngestRequest lists the files to ingest; no paths means the data directory.
type IngestRequest struct {
	Paths   []string `json:"paths,omitempty"`
	Reindex bool     `json:"reindex,omitempty"`
	// Summarize adds a short digest of the ingested text to the result.
	Summarize bool `json:"summarize,omitempty"`
}

// IngestResult reports a finished run.
type IngestResult struct {
	ingest.Result
	Summary string `json:"summary,omitempty"`
}

// CompanyCount is one entry of the top companies list.
type CompanyCount struct {
	Company string `json:"company"`
	Count   int    `json:"count"`
}

// Stats describes the indexed collection.
type Stats struct {
	TotalDocuments         int              `json:"total_documents"`
	LeadStatusDistribution map[string]int   `json:"lead_status_distribution"`
	TopCompanies           []CompanyCount   `json:"top_companies"`
	SearchParameters       SearchParameters `json:"search_parameters"`
}

// Record is a spreadsheet row found by cell lookup.
type Record struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
	Sheet      string `json:"sheet,omitempty"`
	Company    string `json:"company"`
	LeadStatus string `json:"lead_status"`
	Row        int    `json:"row"`
	Cell       string `json:"cell"`
	Content    string `json:"content"`
}

// CellResult is the response of a cell lookup.
type CellResult struct {
	Cell    string   `json:"cell"`
	Row     int      `json:"row"`
	Records []Record `json:"records"`
}

// RAGService ties extraction, ingestion, retrieval and synthesis together.
type RAGService struct {
	extractor  *extract.Extractor
	pipeline   *ingest.Pipeline
	retriever  *retriever.Retriever
	synth      *synth.Synthesizer
	store      domain.VectorStore
	summarizer *summarizer.FrequencySummarizer
	settings   Settings
	logger     *slog.Logger

	// ingestMu serializes ingestion runs.
	ingestMu sync.Mutex
}

func NewRAGService(
	extractor *extract.Extractor,
	pipeline *ingest.Pipeline,
	retriever *retriever.Retriever,
	synthesizer *synth.Synthesizer,
	store domain.VectorStore,
	settings Settings,
	logger *slog.Logger,
) *RAGService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RAGService{
		extractor:  extractor,
		pipeline:   pipeline,
		retriever:  retriever,
		synth:      synthesizer,
		store:      store,
		summarizer: summarizer.NewFrequencySummarizer(),
		settings:   settings,
		logger:     logger,
	}
}

// Settings returns the configuration the service runs with.
func (s *RAGService) Settings() Settings { return s.settings }

// Ask answers a question from the index. Failures are reported inside the envelope.
func (s *RAGService) Ask(ctx context.Context, req AskRequest) synth.AnswerEnvelope {
	if strings.TrimSpace(req.Query) == "" {
		return synth.Failure(fmt.Errorf("%w: query is empty", domain.ErrInvalidInput), synth.AnswerEnvelope{})
	}
	if s.settings.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.QueryTimeout)
		defer cancel()
	}

	filter := domain.Filter{}
	if req.RowID > 0 {
		filter[domain.MetaRowID] = strconv.Itoa(req.RowID)
	}
	if v := strings.TrimSpace(req.LeadStatus); v != "" {
		filter[domain.MetaLeadStatus] = v
	}
	if v := normalize.Key(req.Company); v != "" {
		filter[domain.MetaCompanyNorm] = v
	}

	p := s.settings.Search
	results, err := s.retriever.Retrieve(ctx, retriever.Query{
		Text:           req.Query,
		Collection:     s.settings.Collection,
		TopK:           p.TopK,
		FinalK:         p.FinalK,
		ScoreThreshold: p.ScoreThreshold,
		MMRLambda:      p.MMRLambda,
		Filter:         filter,
	})
	if err != nil {
		s.logger.Error("retrieval failed", "query", req.Query, "err", err)
		return synth.Failure(err, synth.AnswerEnvelope{})
	}
	if len(results) == 0 && (s.settings.LexicalFallback || len(filter) > 0) {
		results, err = s.lexical(ctx, req.Query, filter)
		if err != nil {
			return synth.Failure(domain.Timeout("lexical search", err), synth.AnswerEnvelope{})
		}
	}
	return s.synth.Answer(ctx, req.Query, results)
}

// lexical falls back to token overlap over the filtered entries. A row or status filter with
// no textual overlap still returns the filtered rows, since the filter itself is the question.
func (s *RAGService) lexical(ctx context.Context, query string, filter domain.Filter) ([]domain.RetrievalResult, error) {
	entries, err := s.store.Find(ctx, s.settings.Collection, filter)
	if err != nil {
		return nil, err
	}
	k := s.settings.Search.FinalK
	if s.settings.LexicalFallback {
		if res := retriever.Lexical(query, entries, k); len(res) > 0 {
			return res, nil
		}
	}
	if len(filter) == 0 {
		return nil, nil
	}
	out := make([]domain.RetrievalResult, 0, min(k, len(entries)))
	for _, e := range entries {
		if len(out) == k {
			break
		}
		out = append(out, domain.RetrievalResult{Entry: e, Rank: len(out) + 1})
	}
	return out, nil
}

// Ingest extracts and indexes files. Only one run executes at a time.
func (s *RAGService) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	paths := req.Paths
	if len(paths) == 0 {
		if s.settings.DataDir == "" {
			return IngestResult{}, fmt.Errorf("%w: no paths given and no data directory configured", domain.ErrInvalidInput)
		}
		paths = []string{s.settings.DataDir}
	}
	docs, err := s.extractor.Files(ctx, paths)
	if err != nil {
		return IngestResult{}, domain.Timeout("extract", err)
	}
	if len(docs) == 0 {
		if req.Reindex && len(req.Paths) == 0 && len(extract.Expand(paths)) == 0 {
			return s.clear(ctx)
		}
		return IngestResult{}, fmt.Errorf("%w: no ingestible documents found in %s", domain.ErrNotFound, strings.Join(paths, ", "))
	}

	res, err := s.pipeline.Ingest(ctx, docs, ingest.Options{Collection: s.settings.Collection, Reindex: req.Reindex})
	out := IngestResult{Result: res}
	if err != nil {
		return out, err
	}
	if res.ProcessedCount == 0 && len(res.Failed) > 0 {
		return out, fmt.Errorf("%w: every source failed, first: %s", domain.ErrProcessing, res.Failed[0].Message)
	}
	if req.Summarize {
		out.Summary = s.summarize(docs)
	}
	return out, nil
}

// clear empties the collection once the data directory holds no ingestible file.
func (s *RAGService) clear(ctx context.Context) (IngestResult, error) {
	if err := s.store.Clear(ctx, s.settings.Collection); err != nil {
		return IngestResult{}, domain.Timeout("clear collection", err)
	}
	s.logger.Info("data directory is empty, collection cleared", "collection", s.settings.Collection)
	return IngestResult{Result: ingest.Result{Collection: s.settings.Collection}}, nil
}

func (s *RAGService) summarize(docs []domain.Document) string {
	var b strings.Builder
	for _, d := range docs {
		if d.SourceType == domain.SourceSpreadsheetRow {
			continue
		}
		b.WriteString(d.Content)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		rows := 0
		for _, d := range docs {
			if d.SourceType == domain.SourceSpreadsheetRow {
				rows++
			}
		}
		return fmt.Sprintf("%d spreadsheet rows indexed", rows)
	}
	return s.summarizer.Summarize(b.String(), 3)
}

// Stats reports the collection size, the lead status distribution and the largest companies.
func (s *RAGService) Stats(ctx context.Context) (Stats, error) {
	byStatus, err := s.store.Stats(ctx, s.settings.Collection, domain.MetaLeadStatus)
	if err != nil {
		return Stats{}, domain.Timeout("stats", err)
	}
	byCompany, err := s.store.Stats(ctx, s.settings.Collection, domain.MetaCompany)
	if err != nil {
		return Stats{}, domain.Timeout("stats", err)
	}
	return Stats{
		TotalDocuments:         byStatus.Count,
		LeadStatusDistribution: byStatus.Distribution,
		TopCompanies:           top(byCompany.Distribution, topCompanies),
		SearchParameters:       s.settings.Search,
	}, nil
}

func top(dist map[string]int, n int) []CompanyCount {
	out := make([]CompanyCount, 0, len(dist))
	for company, count := range dist {
		if company == "" || company == "unknown" {
			continue
		}
		out = append(out, CompanyCount{Company: company, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Company < out[j].Company
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// LookupCell returns the spreadsheet rows indexed under the row of ref. The cell's column is
// validated but rows are keyed by number only.
func (s *RAGService) LookupCell(ctx context.Context, ref string) (CellResult, error) {
	addr, err := cell.Parse(ref)
	if err != nil {
		return CellResult{}, err
	}
	entries, err := s.store.Find(ctx, s.settings.Collection, domain.Filter{
		domain.MetaRowID:      strconv.Itoa(addr.Row),
		domain.MetaSourceType: string(domain.SourceSpreadsheetRow),
	})
	if err != nil {
		return CellResult{}, domain.Timeout("cell lookup", err)
	}
	if len(entries) == 0 {
		return CellResult{}, fmt.Errorf("%w: no record for row %d", domain.ErrNotFound, addr.Row)
	}

	var records []Record
	index := make(map[string]int)
	for _, e := range entries {
		id := e.Metadata[domain.MetaDocumentID]
		if i, ok := index[id]; ok {
			records[i].Content = joinChunk(records[i].Content, e.Chunk.Text)
			continue
		}
		index[id] = len(records)
		records = append(records, Record{
			DocumentID: id,
			Source:     e.Metadata[domain.MetaSource],
			Sheet:      e.Metadata[domain.MetaSheet],
			Company:    e.Metadata[domain.MetaCompany],
			LeadStatus: e.Metadata[domain.MetaLeadStatus],
			Row:        addr.Row,
			Cell:       e.Metadata[domain.MetaCell],
			Content:    e.Chunk.Text,
		})
	}
	return CellResult{Cell: addr.Address, Row: addr.Row, Records: records}, nil
}

// joinChunk appends the part of next that does not overlap the end of acc.
func joinChunk(acc, next string) string {
	a, n := []rune(acc), []rune(next)
	for k := min(len(a), len(n)); k > 0; k-- {
		if string(a[len(a)-k:]) == string(n[:k]) {
			return acc + string(n[k:])
		}
	}
	return acc + next
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
