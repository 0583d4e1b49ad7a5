// Package synth turns retrieved context into a grounded answer with citations and company records.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadrag/internal/domain"
)

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

const (
	minContextChars = 256
	// partialMinChars is the room a context chunk needs before it is shown truncated rather than dropped.
	partialMinChars = 100
	citationChars   = 300

	noContextMessage = "該当する情報は見つかりませんでした"
)

// CompanyRecord is one structured row the model extracted from the context.
type CompanyRecord struct {
	Company    string `json:"company"`
	LeadStatus string `json:"lead_status"`
	SourceID   string `json:"source_id"`
	RowID      int    `json:"row_id,omitempty"`
	Cell       string `json:"cell,omitempty"`
}

// Citation is a context chunk that was shown to the model.
type Citation struct {
	SourceID string `json:"source_id"`
	Source   string `json:"source"`
	Content  string `json:"content"`
}

// AnswerEnvelope is the response to one question. Answer is nil when nothing was answered.
type AnswerEnvelope struct {
	Status    string          `json:"status"`
	Answer    *string         `json:"answer"`
	Items     []CompanyRecord `json:"items"`
	Sources   []string        `json:"sources"`
	Citations []Citation      `json:"citations"`
	Message   *string         `json:"message"`
	Reason    *string         `json:"reason"`
}

// ReasonCode returns the reason code, or "" for a plain answer.
func (e AnswerEnvelope) ReasonCode() string {
	if e.Reason == nil {
		return ""
	}
	return *e.Reason
}

// MessageText returns the message, or "" when there is none.
func (e AnswerEnvelope) MessageText() string {
	if e.Message == nil {
		return ""
	}
	return *e.Message
}

// Config tunes prompting and the chat call.
type Config struct {
	MaxContextChars int
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
}

// Synthesizer asks a chat provider to answer strictly from the retrieved context.
type Synthesizer struct {
	chat   domain.ChatProvider
	cfg    Config
	logger *slog.Logger
}

func New(chat domain.ChatProvider, cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = 4000
	}
	if cfg.MaxContextChars < minContextChars {
		cfg.MaxContextChars = minContextChars
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.05
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{chat: chat, cfg: cfg, logger: logger}
}

// excerpt is a context chunk as it appears in the prompt.
type excerpt struct {
	result domain.RetrievalResult
	text   string
}

// Answer never returns an error; failures are reported in the envelope's Reason.
func (s *Synthesizer) Answer(ctx context.Context, query string, results []domain.RetrievalResult) AnswerEnvelope {
	if len(results) == 0 {
		return NoContext()
	}

	shown := selectContext(results, s.cfg.MaxContextChars)
	env := AnswerEnvelope{Status: StatusOK, Items: []CompanyRecord{}}
	env.Sources, env.Citations = cite(shown)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := s.chat.Chat(ctx, []domain.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(query, shown)},
	}, domain.ChatOptions{MaxTokens: s.cfg.MaxTokens, Temperature: s.cfg.Temperature})
	if err != nil {
		err = domain.Timeout("chat", err)
		s.logger.Error("chat completion failed", "provider", s.chat.Name(), "err", err)
		return Failure(err, env)
	}
	s.logger.Debug("chat completion", "provider", s.chat.Name(), "model", s.chat.Model(), "took", time.Since(start))

	answer, items, err := parse(raw)
	if err != nil {
		s.logger.Warn("unusable model output", "err", err, "output", truncate(raw, 200))
		return Failure(err, env)
	}
	env.Answer = &answer
	env.Items = ground(items, shown)
	return env
}

// NoContext is the envelope for a question nothing in the index could support.
func NoContext() AnswerEnvelope {
	return AnswerEnvelope{
		Status:    StatusOK,
		Items:     []CompanyRecord{},
		Sources:   []string{},
		Citations: []Citation{},
		Message:   ptr(noContextMessage),
		Reason:    ptr(domain.ReasonNoContext),
	}
}

// Failure converts err into an error envelope, keeping the sources already gathered in base.
func Failure(err error, base AnswerEnvelope) AnswerEnvelope {
	base.Status = StatusError
	base.Answer = nil
	base.Items = []CompanyRecord{}
	if base.Sources == nil {
		base.Sources = []string{}
	}
	if base.Citations == nil {
		base.Citations = []Citation{}
	}
	reason := domain.Reason(err)
	base.Reason = &reason
	base.Message = ptr(Message(reason))
	return base
}

func ptr(s string) *string { return &s }

// Message is the human-readable text shown for a reason code.
func Message(reason string) string {
	switch reason {
	case domain.ReasonNoContext:
		return noContextMessage
	case domain.ReasonLLMUnavailable:
		return "the chat provider is unavailable, try again later"
	case domain.ReasonProcessing:
		return "the chat provider returned an answer that could not be read"
	case domain.ReasonTimeout:
		return "the request timed out"
	case domain.ReasonEmbeddingUnavailable:
		return "the embedding provider is unavailable"
	case domain.ReasonEmbeddingInput:
		return "the embedding provider rejected the input"
	case domain.ReasonIndexCorruption:
		return "the index was built with a different embedding model, reindex required"
	case domain.ReasonInvalidInput:
		return "invalid request"
	case domain.ReasonNotFound:
		return "not found"
	default:
		return "internal error"
	}
}

// selectContext fills the character budget in rank order. A chunk that does not fit is
// truncated when enough room is left, otherwise selection stops.
func selectContext(results []domain.RetrievalResult, budget int) []excerpt {
	var out []excerpt
	used := 0
	for _, r := range results {
		text := strings.TrimSpace(r.Entry.Chunk.Text)
		n := len([]rune(text))
		if used+n > budget {
			if remaining := budget - used; remaining > partialMinChars {
				out = append(out, excerpt{result: r, text: string([]rune(text)[:remaining]) + "..."})
			}
			break
		}
		out = append(out, excerpt{result: r, text: text})
		used += n
	}
	if len(out) == 0 {
		out = append(out, excerpt{result: results[0], text: results[0].Entry.Chunk.Text})
	}
	return out
}

func cite(shown []excerpt) ([]string, []Citation) {
	sources := make([]string, 0, len(shown))
	citations := make([]Citation, 0, len(shown))
	seen := make(map[string]bool, len(shown))
	for _, e := range shown {
		label := sourceLabel(e.result.Entry)
		if !seen[label] {
			seen[label] = true
			sources = append(sources, label)
		}
		citations = append(citations, Citation{
			SourceID: e.result.Entry.Chunk.ID,
			Source:   label,
			Content:  truncate(e.text, citationChars),
		})
	}
	return sources, citations
}

func sourceLabel(e domain.IndexEntry) string {
	if s := e.Metadata[domain.MetaSource]; s != "" {
		return s
	}
	return "unknown"
}

// ground keeps the records that point at a shown chunk and fills blanks from its metadata.
func ground(items []CompanyRecord, shown []excerpt) []CompanyRecord {
	byID := make(map[string]domain.IndexEntry, len(shown))
	for _, e := range shown {
		byID[e.result.Entry.Chunk.ID] = e.result.Entry
	}
	out := make([]CompanyRecord, 0, len(items))
	seen := make(map[CompanyRecord]bool, len(items))
	for _, it := range items {
		entry, ok := byID[strings.TrimSpace(it.SourceID)]
		if !ok {
			continue
		}
		it.SourceID = entry.Chunk.ID
		it.Company = strings.TrimSpace(it.Company)
		it.LeadStatus = strings.TrimSpace(it.LeadStatus)
		if it.Company == "" {
			it.Company = entry.Metadata[domain.MetaCompany]
		}
		if it.LeadStatus == "" {
			it.LeadStatus = entry.Metadata[domain.MetaLeadStatus]
		}
		it.RowID = entry.Chunk.RowID
		it.Cell = entry.Chunk.CellAddress
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

type modelOutput struct {
	Answer string          `json:"answer"`
	Items  []CompanyRecord `json:"items"`
}

// parse accepts the requested JSON object, optionally fenced, or plain prose with no JSON at all.
func parse(raw string) (string, []CompanyRecord, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", nil, fmt.Errorf("%w: empty completion", domain.ErrProcessing)
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return text, nil, nil
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return "", nil, fmt.Errorf("%w: unterminated JSON object", domain.ErrProcessing)
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return "", nil, fmt.Errorf("%w: decode completion: %v", domain.ErrProcessing, err)
	}
	out.Answer = strings.TrimSpace(out.Answer)
	if out.Answer == "" && len(out.Items) == 0 {
		return "", nil, fmt.Errorf("%w: completion has neither answer nor items", domain.ErrProcessing)
	}
	return out.Answer, out.Items, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
