package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadrag/internal/domain"
	"leadrag/internal/vectorstore"
)

// pointNamespace derives deterministic point UUIDs from chunk ids.
var pointNamespace = uuid.MustParse("6f1c2a52-3c1e-4d3b-9a57-3f0c1c2b8e11")

const scrollPage = 256

// Storage is a REST client to Qdrant. Each logical collection is an alias pointing at
// a physical collection, so Replace can build a new one and swap the alias atomically.
type Storage struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ domain.VectorStore = (*Storage)(nil)

func NewStorage(cfg Config) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Storage{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
		logger: cfg.Logger,
	}
}

type statusError struct {
	method string
	url    string
	code   int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.url, e.code, e.body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}

// PointID maps a chunk id to the UUID Qdrant stores it under.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// Upsert writes entries through the alias, creating the collection on first use.
func (s *Storage) Upsert(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	if err := s.ensure(ctx, collection, len(entries[0].Vector)); err != nil {
		return err
	}
	return s.upsertPoints(ctx, collection, entries)
}

// Replace fills a fresh physical collection, then repoints the alias in a single
// aliases request. Readers see either the old or the new contents.
func (s *Storage) Replace(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	dim := 1
	if len(entries) > 0 {
		dim = len(entries[0].Vector)
	}
	previous, err := s.resolve(ctx, collection)
	if err != nil {
		return err
	}

	detached := context.WithoutCancel(ctx)
	physical := fmt.Sprintf("%s_%d", collection, time.Now().UnixNano())
	if err := s.createCollection(ctx, physical, dim); err != nil {
		return err
	}
	if err := s.upsertPoints(ctx, physical, entries); err != nil {
		_ = s.dropCollection(detached, physical)
		return err
	}

	var (
		actions []map[string]any
		legacy  []domain.IndexEntry
	)
	switch {
	case previous != "" && previous != collection:
		actions = append(actions, map[string]any{"delete_alias": map[string]any{"alias_name": collection}})
	case previous == collection:
		// A plain collection owns the name and has to go before the alias can take it. Its
		// points are held so a failed alias request can put them back.
		if legacy, err = s.Find(ctx, collection, nil); err == nil {
			err = s.dropCollection(ctx, collection)
		}
		if err != nil {
			_ = s.dropCollection(detached, physical)
			return err
		}
	}
	actions = append(actions, map[string]any{"create_alias": map[string]any{"collection_name": physical, "alias_name": collection}})
	if err := s.do(ctx, http.MethodPost, s.url+"/collections/aliases", map[string]any{"actions": actions}, nil); err != nil {
		if previous == collection {
			if rerr := s.restore(detached, collection, legacy); rerr != nil {
				s.logger.Error("failed to restore qdrant collection, new contents kept",
					"collection", collection, "kept", physical, "err", rerr)
				return errors.Join(err, rerr)
			}
		}
		_ = s.dropCollection(detached, physical)
		return err
	}

	if previous != "" && previous != collection {
		if err := s.dropCollection(ctx, previous); err != nil {
			s.logger.Warn("failed to drop replaced qdrant collection", "collection", previous, "err", err)
		}
	}
	return nil
}

// restore recreates a plain collection from entries read out of it.
func (s *Storage) restore(ctx context.Context, name string, entries []domain.IndexEntry) error {
	dim := 1
	if len(entries) > 0 {
		dim = len(entries[0].Vector)
	}
	if err := s.createCollection(ctx, name, dim); err != nil {
		return err
	}
	return s.upsertPoints(ctx, name, entries)
}

func (s *Storage) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, len(ids))
	for i, id := range ids {
		points[i] = PointID(id)
	}
	err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, collection), map[string]any{"points": points}, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

type point struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (p point) entry() domain.IndexEntry {
	md := make(map[string]string, len(p.Payload))
	for k, v := range p.Payload {
		switch val := v.(type) {
		case string:
			md[k] = val
		case nil:
		default:
			md[k] = fmt.Sprint(val)
		}
	}
	return vectorstore.FromPayload(md[vectorstore.KeyText], p.Vector, md)
}

func (s *Storage) Find(ctx context.Context, collection string, filter domain.Filter) ([]domain.IndexEntry, error) {
	var out []domain.IndexEntry
	var offset any
	for {
		body := map[string]any{
			"limit":        scrollPage,
			"with_payload": true,
			"with_vector":  true,
		}
		if f := toFilter(filter); f != nil {
			body["filter"] = f
		}
		if offset != nil {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []point `json:"points"`
				NextPageOffset any     `json:"next_page_offset"`
			} `json:"result"`
		}
		err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/scroll", s.url, collection), body, &resp)
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, p := range resp.Result.Points {
			out = append(out, p.entry())
		}
		if resp.Result.NextPageOffset == nil {
			return out, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

// Search runs a filtered cosine search restricted to the active model tag.
func (s *Storage) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if req.K <= 0 || vectorstore.IsZero(req.Vector) {
		return nil, nil
	}
	filter := domain.Filter{}
	for k, v := range req.Filter {
		filter[k] = v
	}
	if req.ModelTag != "" {
		filter[vectorstore.KeyModelTag] = req.ModelTag
	}
	body := map[string]any{
		"vector":       req.Vector,
		"limit":        req.K,
		"with_payload": true,
		"with_vector":  true,
	}
	if f := toFilter(filter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Result []point `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", s.url, req.Collection), body, &resp)
	switch {
	case isStatus(err, http.StatusNotFound):
		return nil, nil
	case isStatus(err, http.StatusBadRequest) && strings.Contains(strings.ToLower(err.Error()), "dimension"):
		return nil, fmt.Errorf("%w: %v", domain.ErrIndexCorruption, err)
	case err != nil:
		return nil, domain.Timeout("qdrant search", err)
	}

	if len(resp.Result) == 0 && req.ModelTag != "" {
		if err := s.checkModel(ctx, req.Collection, req.ModelTag); err != nil {
			return nil, err
		}
	}
	results := make([]domain.SearchResult, 0, len(resp.Result))
	for _, p := range resp.Result {
		results = append(results, domain.SearchResult{Entry: p.entry(), Score: p.Score})
	}
	return results, nil
}

// checkModel reports corruption when the collection has points but none for tag.
func (s *Storage) checkModel(ctx context.Context, collection, tag string) error {
	total, err := s.count(ctx, collection, nil)
	if err != nil || total == 0 {
		return err
	}
	current, err := s.count(ctx, collection, domain.Filter{vectorstore.KeyModelTag: tag})
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("%w: no entries for model %s", domain.ErrIndexCorruption, tag)
	}
	return nil
}

func (s *Storage) Clear(ctx context.Context, collection string) error {
	physical, err := s.resolve(ctx, collection)
	if err != nil || physical == "" {
		return err
	}
	if physical != collection {
		actions := []map[string]any{{"delete_alias": map[string]any{"alias_name": collection}}}
		if err := s.do(ctx, http.MethodPost, s.url+"/collections/aliases", map[string]any{"actions": actions}, nil); err != nil {
			return err
		}
	}
	return s.dropCollection(ctx, physical)
}

func (s *Storage) Stats(ctx context.Context, collection string, field string) (domain.IndexStats, error) {
	if field == "" {
		n, err := s.count(ctx, collection, nil)
		return domain.IndexStats{Count: n}, err
	}
	entries, err := s.Find(ctx, collection, nil)
	if err != nil {
		return domain.IndexStats{}, err
	}
	return domain.IndexStats{Count: len(entries), Distribution: vectorstore.Distribution(entries, field)}, nil
}

func (s *Storage) count(ctx context.Context, collection string, filter domain.Filter) (int, error) {
	body := map[string]any{"exact": true}
	if f := toFilter(filter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/count", s.url, collection), body, &resp)
	if isStatus(err, http.StatusNotFound) {
		return 0, nil
	}
	return resp.Result.Count, err
}

// resolve returns the physical collection behind name: the alias target, name itself
// for a plain collection, or "" when neither exists.
func (s *Storage) resolve(ctx context.Context, name string) (string, error) {
	var resp struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, s.url+"/collections/aliases", nil, &resp); err != nil {
		return "", err
	}
	for _, a := range resp.Result.Aliases {
		if a.AliasName == name {
			return a.CollectionName, nil
		}
	}
	err := s.do(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", s.url, name), nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

func (s *Storage) ensure(ctx context.Context, collection string, dim int) error {
	physical, err := s.resolve(ctx, collection)
	if err != nil || physical != "" {
		return err
	}
	physical = fmt.Sprintf("%s_%d", collection, time.Now().UnixNano())
	if err := s.createCollection(ctx, physical, dim); err != nil {
		return err
	}
	actions := []map[string]any{{"create_alias": map[string]any{"collection_name": physical, "alias_name": collection}}}
	return s.do(ctx, http.MethodPost, s.url+"/collections/aliases", map[string]any{"actions": actions}, nil)
}

func (s *Storage) createCollection(ctx context.Context, name string, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	return s.do(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", s.url, name), body, nil)
}

func (s *Storage) dropCollection(ctx context.Context, name string) error {
	err := s.do(ctx, http.MethodDelete, fmt.Sprintf("%s/collections/%s", s.url, name), nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (s *Storage) upsertPoints(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	for start := 0; start < len(entries); start += scrollPage {
		end := start + scrollPage
		if end > len(entries) {
			end = len(entries)
		}
		points := make([]map[string]any, 0, end-start)
		for _, e := range entries[start:end] {
			payload := vectorstore.ToPayload(e)
			payload[vectorstore.KeyText] = e.Chunk.Text
			points = append(points, map[string]any{
				"id":      PointID(e.Chunk.ID),
				"vector":  e.Vector,
				"payload": payload,
			})
		}
		url := fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, collection)
		if err := s.do(ctx, http.MethodPut, url, map[string]any{"points": points}, nil); err != nil {
			return err
		}
	}
	return nil
}

func toFilter(f domain.Filter) map[string]any {
	if len(f) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(f))
	for k, v := range f {
		must = append(must, map[string]any{"key": k, "match": map[string]any{"value": v}})
	}
	return map[string]any{"must": must}
}

func (s *Storage) do(ctx context.Context, method, url string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{method: method, url: url, code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
