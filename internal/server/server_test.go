package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadrag/internal/cell"
	"leadrag/internal/domain"
	"leadrag/internal/ingest"
	"leadrag/internal/logging"
	"leadrag/internal/service"
	"leadrag/internal/synth"
)

type fakeService struct {
	asked    service.AskRequest
	ingested service.IngestRequest
	envelope synth.AnswerEnvelope
	ingestFn func() (service.IngestResult, error)
}

func (f *fakeService) Ask(_ context.Context, req service.AskRequest) synth.AnswerEnvelope {
	f.asked = req
	return f.envelope
}

func (f *fakeService) Ingest(_ context.Context, req service.IngestRequest) (service.IngestResult, error) {
	f.ingested = req
	if f.ingestFn != nil {
		return f.ingestFn()
	}
	return service.IngestResult{Result: ingest.Result{RunID: "run-1", Collection: "leads", ProcessedCount: 2, TotalChunks: 2}}, nil
}

func (f *fakeService) Stats(context.Context) (service.Stats, error) {
	return service.Stats{
		TotalDocuments:         2,
		LeadStatusDistribution: map[string]int{"商談中": 2},
		TopCompanies:           []service.CompanyCount{{Company: "Acme", Count: 2}},
		SearchParameters:       service.SearchParameters{TopK: 4, FinalK: 3, ScoreThreshold: 0.3, MMRLambda: 0.5},
	}, nil
}

func (f *fakeService) LookupCell(_ context.Context, ref string) (service.CellResult, error) {
	addr, err := cell.Parse(ref)
	if err != nil {
		return service.CellResult{}, err
	}
	if addr.Row != 2 {
		return service.CellResult{}, fmt.Errorf("%w: no record for row %d", domain.ErrNotFound, addr.Row)
	}
	return service.CellResult{Cell: addr.Address, Row: 2, Records: []service.Record{{Company: "Acme", Row: 2, Cell: "A2"}}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeService, string) {
	t.Helper()
	dir := t.TempDir()
	svc := &fakeService{}
	return New(svc, dir, logging.Discard()), svc, dir
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func multipartBody(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, out := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
}

func TestServer_Chat(t *testing.T) {
	t.Run("Passes filters through and returns the envelope", func(t *testing.T) {
		s, svc, _ := newTestServer(t)
		answer := "Acmeは商談中です"
		svc.envelope = synth.AnswerEnvelope{
			Status:  synth.StatusOK,
			Answer:  &answer,
			Items:   []synth.CompanyRecord{{Company: "Acme", LeadStatus: "商談中", SourceID: "d:0", RowID: 2, Cell: "A2"}},
			Sources: []string{"leads.csv#row2"},
		}

		rec, out := do(t, s, http.MethodPost, "/chat", `{"query":"Acme?","row_id":2,"lead_status":"商談中"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, answer, out["answer"])
		assert.Equal(t, []any{"leads.csv#row2"}, out["sources"])
		assert.Equal(t, service.AskRequest{Query: "Acme?", RowID: 2, LeadStatus: "商談中"}, svc.asked)
		require.Contains(t, out, "message")
		require.Contains(t, out, "reason")
		assert.Nil(t, out["message"])
		assert.Nil(t, out["reason"])
	})

	t.Run("Error envelopes carry a matching status code", func(t *testing.T) {
		s, svc, _ := newTestServer(t)
		svc.envelope = synth.Failure(domain.ErrLLMUnavailable, synth.AnswerEnvelope{})

		rec, out := do(t, s, http.MethodPost, "/chat", `{"query":"Acme?"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "error", out["status"])
		assert.Equal(t, domain.ReasonLLMUnavailable, out["reason"])
		assert.Nil(t, out["answer"])
	})

	t.Run("No context is a successful response", func(t *testing.T) {
		s, svc, _ := newTestServer(t)
		svc.envelope = synth.NoContext()

		rec, out := do(t, s, http.MethodPost, "/chat", `{"query":"weather"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, domain.ReasonNoContext, out["reason"])
	})

	t.Run("Malformed body is rejected", func(t *testing.T) {
		s, _, _ := newTestServer(t)
		rec, out := do(t, s, http.MethodPost, "/chat", `{"query":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, domain.ReasonInvalidInput, out["reason"])
	})
}

func TestServer_Ingest(t *testing.T) {
	t.Run("An empty body ingests the data directory", func(t *testing.T) {
		s, svc, _ := newTestServer(t)
		rec, out := do(t, s, http.MethodPost, "/ingest", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), out["processed_records"])
		assert.Equal(t, "leads", out["collection"])
		assert.Empty(t, svc.ingested.Paths)
	})

	t.Run("Reindex is forwarded with paths resolved in the data directory", func(t *testing.T) {
		s, svc, dir := newTestServer(t)
		root, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)

		rec, _ := do(t, s, http.MethodPost, "/ingest", `{"paths":["a.csv"],"reindex":true}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, service.IngestRequest{Paths: []string{filepath.Join(root, "a.csv")}, Reindex: true}, svc.ingested)
	})

	t.Run("Absolute paths inside the data directory are accepted", func(t *testing.T) {
		s, svc, dir := newTestServer(t)
		root, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		body, err := json.Marshal(map[string]any{"paths": []string{filepath.Join(root, "sub", "*.csv")}})
		require.NoError(t, err)

		rec, _ := do(t, s, http.MethodPost, "/ingest", string(body))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{filepath.Join(root, "sub", "*.csv")}, svc.ingested.Paths)
	})

	t.Run("Paths outside the data directory are refused", func(t *testing.T) {
		outside := t.TempDir()
		s, svc, dir := newTestServer(t)
		require.NoError(t, os.Symlink(outside, filepath.Join(dir, "escape")))

		for _, p := range []string{"/", "../", "../../etc/*.txt", outside, "escape"} {
			body, err := json.Marshal(map[string]any{"paths": []string{p}})
			require.NoError(t, err)
			rec, out := do(t, s, http.MethodPost, "/ingest", string(body))
			assert.Equal(t, http.StatusBadRequest, rec.Code, p)
			assert.Equal(t, domain.ReasonInvalidInput, out["reason"], p)
		}
		assert.Empty(t, svc.ingested.Paths)
	})

	t.Run("Failures become error envelopes", func(t *testing.T) {
		s, svc, _ := newTestServer(t)
		svc.ingestFn = func() (service.IngestResult, error) {
			return service.IngestResult{}, fmt.Errorf("ingest: %w", domain.ErrTimeout)
		}
		rec, out := do(t, s, http.MethodPost, "/ingest", "{}")
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Equal(t, domain.ReasonTimeout, out["reason"])
	})
}

func TestServer_Stats(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, out := do(t, s, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), out["total_documents"])
	assert.Equal(t, map[string]any{"商談中": float64(2)}, out["lead_status_distribution"])
	params := out["search_parameters"].(map[string]any)
	assert.Equal(t, float64(3), params["final_k"])
}

func TestServer_Cell(t *testing.T) {
	s, _, _ := newTestServer(t)

	t.Run("Returns the records of the row", func(t *testing.T) {
		rec, out := do(t, s, http.MethodPost, "/cell", `{"cell":"b2"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", out["status"])
		assert.Equal(t, "B2", out["cell"])
		assert.Len(t, out["records"], 1)
	})

	t.Run("Unknown rows are not found", func(t *testing.T) {
		rec, out := do(t, s, http.MethodPost, "/cell", `{"cell":"A9"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, domain.ReasonNotFound, out["reason"])
	})

	t.Run("Malformed references are bad requests", func(t *testing.T) {
		rec, out := do(t, s, http.MethodPost, "/cell", `{"cell":"2B"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_reference", out["reason"])

		rec, out = do(t, s, http.MethodPost, "/cell", `{"cell":"A0"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_row", out["reason"])
	})
}

func TestServer_Upload(t *testing.T) {
	t.Run("Saves allowed files into the data directory", func(t *testing.T) {
		s, _, dir := newTestServer(t)
		body, ctype := multipartBody(t, "leads.csv", "企業名\nAcme\n")
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ctype)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		data, err := os.ReadFile(filepath.Join(dir, "leads.csv"))
		require.NoError(t, err)
		assert.Equal(t, "企業名\nAcme\n", string(data))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("Rejects other extensions", func(t *testing.T) {
		s, _, dir := newTestServer(t)
		body, ctype := multipartBody(t, "run.sh", "echo hi")
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ctype)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Strips directories from the file name", func(t *testing.T) {
		s, _, dir := newTestServer(t)
		body, ctype := multipartBody(t, "../../notes.md", "# notes")
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ctype)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		_, err := os.Stat(filepath.Join(dir, "notes.md"))
		assert.NoError(t, err)
	})
}
