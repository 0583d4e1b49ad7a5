// Package pgvector stores index entries in Postgres using the vector extension.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"leadrag/internal/domain"
	"leadrag/internal/vectorstore"
)

// Storage keeps every collection in one table keyed by (collection, id).
// Replace runs inside a transaction, so readers see the old rows until it commits.
type Storage struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

var _ domain.VectorStore = (*Storage)(nil)

// Open connects with dsn and creates the extension and table if missing.
func Open(ctx context.Context, dsn, table string, logger *slog.Logger) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := New(ctx, db, table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(ctx context.Context, db *sql.DB, table string, logger *slog.Logger) (*Storage, error) {
	if table == "" {
		table = "rag_entries"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Storage{db: db, table: pq.QuoteIdentifier(table), logger: logger}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) createTable(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			model_tag TEXT NOT NULL,
			embedding vector NOT NULL,
			PRIMARY KEY (collection, id)
		)`, s.table),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create %s: %w", s.table, err)
		}
	}
	s.logger.Debug("checked/created table", "table", s.table)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Storage) insert(ctx context.Context, ex execer, collection string, entries []domain.IndexEntry) error {
	q := fmt.Sprintf(`INSERT INTO %s (collection, id, text, metadata, model_tag, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collection, id) DO UPDATE
		SET text = EXCLUDED.text, metadata = EXCLUDED.metadata,
			model_tag = EXCLUDED.model_tag, embedding = EXCLUDED.embedding`, s.table)
	for _, e := range entries {
		md, err := json.Marshal(vectorstore.ToPayload(e))
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, q, collection, e.Chunk.ID, e.Chunk.Text, string(md), e.ModelTag, pgvector.NewVector(e.Vector)); err != nil {
			return fmt.Errorf("insert %s: %w", e.Chunk.ID, err)
		}
	}
	return nil
}

func (s *Storage) Upsert(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.insert(ctx, tx, collection, entries); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Storage) Replace(ctx context.Context, collection string, entries []domain.IndexEntry) error {
	if err := vectorstore.ValidateEntries(entries); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE collection = $1`, s.table), collection); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.insert(ctx, tx, collection, entries); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Storage) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND id = ANY($2)`, s.table),
		collection, pq.Array(ids))
	return err
}

func filterJSON(f domain.Filter) (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(map[string]string(f))
	return string(raw), err
}

func (s *Storage) Find(ctx context.Context, collection string, filter domain.Filter) ([]domain.IndexEntry, error) {
	fj, err := filterJSON(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT text, metadata, embedding FROM %s
			WHERE collection = $1 AND metadata @> $2::jsonb ORDER BY seq`, s.table),
		collection, fj)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.IndexEntry
	for rows.Next() {
		e, _, err := scanEntry(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows, withScore bool) (domain.IndexEntry, float64, error) {
	var (
		text  string
		raw   []byte
		vec   pgvector.Vector
		score float64
	)
	dest := []any{&text, &raw, &vec}
	if withScore {
		dest = append(dest, &score)
	}
	if err := rows.Scan(dest...); err != nil {
		return domain.IndexEntry{}, 0, err
	}
	payload := map[string]string{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.IndexEntry{}, 0, err
	}
	return vectorstore.FromPayload(text, vec.Slice(), payload), score, nil
}

// Search ranks by cosine similarity (1 - cosine distance) among rows carrying the active
// model tag; ties fall back to insertion order.
func (s *Storage) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if req.K <= 0 || vectorstore.IsZero(req.Vector) {
		return nil, nil
	}
	if err := s.checkModel(ctx, req); err != nil {
		return nil, err
	}
	fj, err := filterJSON(req.Filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT text, metadata, embedding, 1 - (embedding <=> $1) AS score FROM %s
			WHERE collection = $2 AND ($3 = '' OR model_tag = $3) AND metadata @> $4::jsonb
			ORDER BY embedding <=> $1, seq LIMIT $5`, s.table),
		pgvector.NewVector(req.Vector), req.Collection, req.ModelTag, fj, req.K)
	if err != nil {
		return nil, domain.Timeout("pgvector search", err)
	}
	defer rows.Close()

	var out []domain.SearchResult
	for rows.Next() {
		e, score, err := scanEntry(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.SearchResult{Entry: e, Score: score})
	}
	return out, rows.Err()
}

func (s *Storage) checkModel(ctx context.Context, req domain.SearchRequest) error {
	var total, current, mismatched int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*),
			count(*) FILTER (WHERE $2 = '' OR model_tag = $2),
			count(*) FILTER (WHERE ($2 = '' OR model_tag = $2) AND vector_dims(embedding) <> $3)
			FROM %s WHERE collection = $1`, s.table),
		req.Collection, req.ModelTag, len(req.Vector)).Scan(&total, &current, &mismatched)
	if err != nil {
		return domain.Timeout("pgvector check", err)
	}
	switch {
	case total > 0 && current == 0:
		return fmt.Errorf("%w: no entries for model %s", domain.ErrIndexCorruption, req.ModelTag)
	case mismatched > 0:
		return fmt.Errorf("%w: %d entries differ from query dimension %d", domain.ErrIndexCorruption, mismatched, len(req.Vector))
	}
	return nil
}

func (s *Storage) Clear(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE collection = $1`, s.table), collection)
	return err
}

func (s *Storage) Stats(ctx context.Context, collection string, field string) (domain.IndexStats, error) {
	var stats domain.IndexStats
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE collection = $1`, s.table), collection).Scan(&stats.Count); err != nil {
		return stats, err
	}
	if field == "" {
		return stats, nil
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(NULLIF(metadata->>$2, ''), $3), count(*) FROM %s
			WHERE collection = $1 GROUP BY 1`, s.table),
		collection, field, vectorstore.UnknownValue)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	stats.Distribution = map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return stats, err
		}
		stats.Distribution[k] = n
	}
	return stats, rows.Err()
}
