package store

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/xhad/ouragboros/internal/models"
)

type PgVectorConfig struct {
	ConnString  string
	TablePrefix string
	BatchSize   int
	Logger      *zap.Logger
}

// PgVectorStore keeps one table per embedding model in PostgreSQL.
type PgVectorStore struct {
	config PgVectorConfig
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

func NewPgVector(ctx context.Context, config PgVectorConfig) (*PgVectorStore, error) {
	if config.TablePrefix == "" {
		config.TablePrefix = "ouragboros"
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %v", ErrUnreachable, err)
	}

	// Enable pgvector extension
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to create vector extension: %v", ErrUnreachable, err)
	}

	return &PgVectorStore{
		config:  config,
		pool:    pool,
		logger:  config.Logger.With(zap.String("module", "pgvector")),
		ensured: make(map[string]bool),
	}, nil
}

func (vs *PgVectorStore) Kind() Kind { return KindPgVector }

// TableName returns the table holding documents embedded with model.
func (vs *PgVectorStore) TableName(model string) string {
	return indexName(vs.config.TablePrefix, model)
}

func (vs *PgVectorStore) ensureTable(ctx context.Context, model string, dim int) error {
	name := vs.TableName(model)

	vs.mu.Lock()
	done := vs.ensured[name]
	vs.mu.Unlock()
	if done {
		return nil
	}

	table := pgx.Identifier{name}.Sanitize()
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d)
		)`, table, dim)
	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("%w: failed to create table: %v", ErrUnreachable, err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		pgx.Identifier{name + "_embedding_idx"}.Sanitize(), table)
	if _, err := vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	vs.mu.Lock()
	vs.ensured[name] = true
	vs.mu.Unlock()
	return nil
}

func (vs *PgVectorStore) Add(ctx context.Context, model string, docs []models.Document, vectors [][]float32) error {
	dim, err := checkVectors(docs, vectors)
	if err != nil || dim == 0 {
		return err
	}
	if err := vs.ensureTable(ctx, model, dim); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`,
		pgx.Identifier{vs.TableName(model)}.Sanitize())

	for start := 0; start < len(docs); start += vs.config.BatchSize {
		end := start + vs.config.BatchSize
		if end > len(docs) {
			end = len(docs)
		}

		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			batch.Queue(stmt,
				docs[i].ID,
				sanitizeUTF8(docs[i].Content),
				docs[i].Metadata,
				pgvector.NewVector(vectors[i]),
			)
		}

		if err := vs.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert documents: %w", err)
		}
	}
	return nil
}

// Search scores rows as 2 - cosine distance, which equals 1 + cosine similarity.
func (vs *PgVectorStore) Search(ctx context.Context, req SearchRequest) ([]models.Match, error) {
	if err := vs.ensureTable(ctx, req.Model, len(req.Vector)); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 2 - (embedding <=> $1) AS score
		FROM %s
		WHERE 2 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1, id
		LIMIT $3`,
		pgx.Identifier{vs.TableName(req.Model)}.Sanitize())

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(req.Vector), req.ScoreThreshold, req.K)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query documents: %v", ErrUnreachable, err)
	}
	defer rows.Close()

	matches := []models.Match{}
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.Document.ID, &m.Document.Content, &m.Document.Metadata, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return matches, nil
}

func (vs *PgVectorStore) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}

// sanitizeUTF8 drops invalid bytes PostgreSQL would reject in TEXT columns.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
