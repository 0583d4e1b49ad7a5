// Package server exposes the RAG service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"leadrag/internal/cell"
	"leadrag/internal/domain"
	"leadrag/internal/extract"
	"leadrag/internal/service"
	"leadrag/internal/synth"
)

const maxUploadBytes = 64 << 20

// RAGPort is the HTTP-facing subset of the RAG service.
type RAGPort interface {
	Ask(ctx context.Context, req service.AskRequest) synth.AnswerEnvelope
	Ingest(ctx context.Context, req service.IngestRequest) (service.IngestResult, error)
	Stats(ctx context.Context) (service.Stats, error)
	LookupCell(ctx context.Context, ref string) (service.CellResult, error)
}

type Server struct {
	svc     RAGPort
	dataDir string
	logger  *slog.Logger
	router  *gin.Engine
}

func New(svc RAGPort, dataDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{svc: svc, dataDir: dataDir, logger: logger, router: gin.New()}
	s.router.Use(gin.Recovery(), requestLogger(logger), cors())
	s.router.MaxMultipartMemory = 8 << 20

	s.router.GET("/health", s.health)
	s.router.POST("/upload", s.upload)
	s.router.POST("/ingest", s.ingest)
	s.router.POST("/chat", s.chat)
	s.router.GET("/stats", s.stats)
	s.router.POST("/cell", s.cell)
	return s
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// upload stores the file under the data directory. The body is written to a temporary name
// first so a concurrent ingest never sees a partial file.
func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		s.fail(c, http.StatusBadRequest, domain.ReasonInvalidInput, "multipart field \"file\" is required")
		return
	}
	name := filepath.Base(fh.Filename)
	if name == "." || name == string(filepath.Separator) || !extract.Allowed(name) {
		s.fail(c, http.StatusBadRequest, domain.ReasonInvalidInput,
			fmt.Sprintf("unsupported file type, allowed: %v", extract.AllowedExtensions))
		return
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		s.internal(c, "create data directory", err)
		return
	}

	tmp := filepath.Join(s.dataDir, ".upload-"+uuid.NewString())
	if err := c.SaveUploadedFile(fh, tmp); err != nil {
		_ = os.Remove(tmp)
		s.internal(c, "save upload", err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(s.dataDir, name)); err != nil {
		_ = os.Remove(tmp)
		s.internal(c, "store upload", err)
		return
	}
	s.logger.Info("file uploaded", "filename", name, "bytes", fh.Size)
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"message":  "file uploaded, call /ingest to index it",
		"filename": name,
	})
}

type ingestRequest struct {
	Paths     []string `json:"paths"`
	Reindex   bool     `json:"reindex"`
	Summarize bool     `json:"summarize"`
}

func (s *Server) ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(c, http.StatusBadRequest, domain.ReasonInvalidInput, "invalid request body: "+err.Error())
		return
	}
	paths := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		resolved, err := s.confine(p)
		if err != nil {
			s.fail(c, http.StatusBadRequest, domain.ReasonInvalidInput, err.Error())
			return
		}
		paths = append(paths, resolved)
	}
	res, err := s.svc.Ingest(c.Request.Context(), service.IngestRequest{
		Paths:     paths,
		Reindex:   req.Reindex,
		Summarize: req.Summarize,
	})
	if err != nil {
		s.logger.Error("ingest failed", "err", err)
		reason := domain.Reason(err)
		c.JSON(statusFor(reason), gin.H{
			"status":            synth.StatusError,
			"message":           err.Error(),
			"reason":            reason,
			"processed_records": res.ProcessedCount,
			"total_chunks":      res.TotalChunks,
			"collection":        res.Collection,
			"failed":            res.Failed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"message":           fmt.Sprintf("indexed %d records into %d chunks", res.ProcessedCount, res.TotalChunks),
		"run_id":            res.RunID,
		"processed_records": res.ProcessedCount,
		"total_chunks":      res.TotalChunks,
		"collection":        res.Collection,
		"failed":            res.Failed,
		"summary":           res.Summary,
	})
}

// confine resolves a requested path against the data directory. Relative paths are taken
// from the data directory; anything resolving outside it, through ".." or a symlink, is refused.
func (s *Server) confine(p string) (string, error) {
	root, err := filepath.Abs(s.dataDir)
	if err != nil {
		return "", fmt.Errorf("resolve data directory: %w", err)
	}
	if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = realRoot
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	target := p
	if real, err := filepath.EvalSymlinks(p); err == nil {
		target = real
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the data directory", p)
	}
	return p, nil
}

type chatRequest struct {
	Query      string `json:"query"`
	RowID      int    `json:"row_id"`
	LeadStatus string `json:"lead_status"`
	Company    string `json:"company"`
}

func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, domain.ReasonInvalidInput, "invalid request body: "+err.Error())
		return
	}
	env := s.svc.Ask(c.Request.Context(), service.AskRequest{
		Query:      req.Query,
		RowID:      req.RowID,
		LeadStatus: req.LeadStatus,
		Company:    req.Company,
	})
	code := http.StatusOK
	if env.Status == synth.StatusError {
		code = statusFor(env.ReasonCode())
	}
	c.JSON(code, env)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		reason := domain.Reason(err)
		s.fail(c, statusFor(reason), reason, synth.Message(reason))
		return
	}
	c.JSON(http.StatusOK, st)
}

type cellRequest struct {
	Cell string `json:"cell"`
}

func (s *Server) cell(c *gin.Context) {
	var req cellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, domain.ReasonInvalidInput, "invalid request body: "+err.Error())
		return
	}
	res, err := s.svc.LookupCell(c.Request.Context(), req.Cell)
	var (
		refErr *cell.InvalidReferenceError
		rowErr *cell.InvalidRowError
	)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "cell": res.Cell, "row": res.Row, "records": res.Records})
	case errors.As(err, &refErr):
		s.fail(c, http.StatusBadRequest, "invalid_reference", err.Error())
	case errors.As(err, &rowErr):
		s.fail(c, http.StatusBadRequest, "invalid_row", err.Error())
	default:
		reason := domain.Reason(err)
		s.fail(c, statusFor(reason), reason, err.Error())
	}
}

func (s *Server) fail(c *gin.Context, code int, reason, message string) {
	c.JSON(code, gin.H{"status": synth.StatusError, "reason": reason, "message": message})
}

func (s *Server) internal(c *gin.Context, op string, err error) {
	s.logger.Error(op+" failed", "err", err)
	s.fail(c, http.StatusInternalServerError, domain.ReasonInternal, synth.Message(domain.ReasonInternal))
}

// statusFor maps a reason code to the HTTP status of its error envelope.
func statusFor(reason string) int {
	switch reason {
	case domain.ReasonInvalidInput:
		return http.StatusBadRequest
	case domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonIndexCorruption:
		return http.StatusConflict
	case domain.ReasonEmbeddingInput:
		return http.StatusUnprocessableEntity
	case domain.ReasonProcessing:
		return http.StatusBadGateway
	case domain.ReasonEmbeddingUnavailable, domain.ReasonLLMUnavailable:
		return http.StatusServiceUnavailable
	case domain.ReasonTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
